package queue

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"
)

// 任务类型与队列名。
const (
	TypeBuildRun  = "paastel:build:run"
	TypeDeployRun = "paastel:deploy:run"

	QueueName = "paastel"
)

type BuildPayload struct {
	BuildID        int64  `json:"build_id"`
	ReleaseVersion string `json:"release_version,omitempty"`
}

type DeployPayload struct {
	DeployID int64 `json:"deploy_id"`
}

// NewBuildTask 以 build ID 作为 TaskID，重复投递同一个构建会被队列拒绝。
// 重试由协调器负责，任务本身不重试。
func NewBuildTask(p BuildPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBuildRun, data,
		asynq.TaskID("build-"+strconv.FormatInt(p.BuildID, 10)),
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
	), nil
}

func NewDeployTask(p DeployPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeployRun, data,
		asynq.TaskID("deploy-"+strconv.FormatInt(p.DeployID, 10)),
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
	), nil
}

func parseBuildPayload(t *asynq.Task) (BuildPayload, error) {
	var p BuildPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.BuildID <= 0 {
		return p, fmt.Errorf("%s payload has no build_id: %w", t.Type(), asynq.SkipRetry)
	}
	return p, nil
}

func parseDeployPayload(t *asynq.Task) (DeployPayload, error) {
	var p DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.DeployID <= 0 {
		return p, fmt.Errorf("%s payload has no deploy_id: %w", t.Type(), asynq.SkipRetry)
	}
	return p, nil
}
