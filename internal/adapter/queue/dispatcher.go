package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/paastel-io/paastel/internal/port"
)

var _ port.Dispatcher = (*Dispatcher)(nil)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher 把构建与部署投递到 Redis 队列，由 worker 进程执行。
type Dispatcher struct {
	client enqueuer
}

func NewDispatcher(client *asynq.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) DispatchBuild(ctx context.Context, buildID int64, releaseVersion string) error {
	task, err := NewBuildTask(BuildPayload{BuildID: buildID, ReleaseVersion: releaseVersion})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task, "build_id", buildID)
}

func (d *Dispatcher) DispatchDeploy(ctx context.Context, deployID int64) error {
	task, err := NewDeployTask(DeployPayload{DeployID: deployID})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, task, "deploy_id", deployID)
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task, key string, id int64) error {
	info, err := d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		slog.Info("task already queued", "type", task.Type(), key, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	slog.Info("task enqueued", "type", task.Type(), "task_id", info.ID, "queue", info.Queue, key, id)
	return nil
}
