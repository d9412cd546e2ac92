package domain

import (
	"fmt"
	"time"
)

// BuildStatus 是 BuildJob 与 BuildStep 共用的状态机枚举。
// 状态流转：Pending → Running → (Succeeded | Failed | Canceled)，Pending 也可直接 Canceled。
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCanceled  BuildStatus = "canceled"
)

func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSucceeded || s == BuildStatusFailed || s == BuildStatusCanceled
}

func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusPending, BuildStatusRunning, BuildStatusSucceeded, BuildStatusFailed, BuildStatusCanceled:
		return true
	}
	return false
}

// BuildTrigger 记录构建是由谁触发的。
type BuildTrigger string

const (
	BuildTriggerManual  BuildTrigger = "manual"
	BuildTriggerGitPush BuildTrigger = "git_push"
	BuildTriggerAPI     BuildTrigger = "api"
)

func (t BuildTrigger) Valid() bool {
	return t == BuildTriggerManual || t == BuildTriggerGitPush || t == BuildTriggerAPI
}

// SourceRef 指向一次构建的源码位置，至少需要 commit / branch / tag 之一。
type SourceRef struct {
	CommitSHA string `json:"commit_sha,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

func (r SourceRef) IsZero() bool {
	return r.CommitSHA == "" && r.Branch == "" && r.Tag == ""
}

// Ref 返回最具体的引用：commit 优先，其次 tag，最后 branch。
func (r SourceRef) Ref() string {
	switch {
	case r.CommitSHA != "":
		return r.CommitSHA
	case r.Tag != "":
		return r.Tag
	default:
		return r.Branch
	}
}

// Runner 描述执行构建的后端与 worker。
type Runner struct {
	Type string `json:"runner_type,omitempty"` // kubernetes / docker / local / ci
	Name string `json:"runner_name,omitempty"` // 持有该构建的 worker 标识
}

// BuildJob 代表一次为 App 产出可部署制品的尝试。
type BuildJob struct {
	ID           int64        `json:"id"`
	AppID        int64        `json:"app_id"`
	ReleaseID    *int64       `json:"release_id,omitempty"`
	Status       BuildStatus  `json:"status"`
	Trigger      BuildTrigger `json:"trigger"`
	TriggeredBy  *int64       `json:"triggered_by,omitempty"`
	Source       SourceRef    `json:"source"`
	ImageRef     string       `json:"image_ref,omitempty"`
	Runner       Runner       `json:"runner"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	HeartbeatAt  *time.Time   `json:"heartbeat_at,omitempty"`
	LogsURL      string       `json:"logs_url,omitempty"`
	PipelineURL  string       `json:"pipeline_url,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// CanCancel 判断当前状态是否允许取消。
func (b *BuildJob) CanCancel() bool {
	return b.Status == BuildStatusPending || b.Status == BuildStatusRunning
}

// AbandonedStepMessage 是失败或取消之后未执行步骤的 error_message。
const AbandonedStepMessage = "abandoned"

// BuildStep 是 BuildJob 内按 position 顺序执行的工作单元。
type BuildStep struct {
	ID           int64       `json:"id"`
	BuildID      int64       `json:"build_id"`
	Position     int         `json:"position"`
	Name         string      `json:"name"`
	Status       BuildStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	LogsURL      string      `json:"logs_url,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// NewBuildSteps 按给定顺序生成 position 为 1..N 的 pending 步骤。
// 空列表、空名称或重名都会导致 position 语义不明确，直接拒绝。
func NewBuildSteps(names []string) ([]*BuildStep, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one build step is required", ErrInvalidInput)
	}
	seen := make(map[string]int, len(names))
	steps := make([]*BuildStep, 0, len(names))
	for i, name := range names {
		if err := ValidateStepName(name); err != nil {
			return nil, err
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: step %q appears at positions %d and %d", ErrInvalidInput, name, prev, i+1)
		}
		seen[name] = i + 1
		steps = append(steps, &BuildStep{
			Position: i + 1,
			Name:     name,
			Status:   BuildStatusPending,
		})
	}
	return steps, nil
}

// LogChunk 是构建日志的一段不可变追加。StepID 为空表示 build 级日志。
type LogChunk struct {
	ID         int64     `json:"id"`
	BuildID    int64     `json:"build_id"`
	StepID     *int64    `json:"step_id,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
