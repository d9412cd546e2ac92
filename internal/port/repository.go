package port

import (
	"context"
	"time"

	"github.com/paastel-io/paastel/internal/domain"
)

// 所有状态更新都带 from 状态作为乐观锁条件：
// 行不存在返回对应的 NotFound，状态已被他人改动返回 domain.ErrStaleState，
// 流转不在状态表中返回 domain.ErrIllegalTransition。

type AppRepository interface {
	Save(ctx context.Context, app *domain.App) error
	// FindByID 不返回已软删除的 App。
	FindByID(ctx context.Context, id int64) (*domain.App, error)
	FindBySlug(ctx context.Context, orgID int64, slug string) (*domain.App, error)
	// FindAll orgID 为 0 时返回全部租户。
	FindAll(ctx context.Context, orgID int64) ([]*domain.App, error)
	SoftDelete(ctx context.Context, id int64) error
}

type OrganizationRepository interface {
	// Ensure 按 slug 查找组织，不存在则创建，返回其 ID。
	Ensure(ctx context.Context, slug, name string) (int64, error)
}

// JobUpdate 是一次 BuildJob 状态流转时一并写入的字段，空值不覆盖。
type JobUpdate struct {
	At           time.Time
	ErrorMessage string
	ImageRef     string
	Runner       domain.Runner
	PipelineURL  string
	LogsURL      string
}

type StepUpdate struct {
	At           time.Time
	ErrorMessage string
	LogsURL      string
}

type BuildRepository interface {
	// CreateWithSteps 在一个事务中写入 job 与全部 step，并回填 ID。
	CreateWithSteps(ctx context.Context, job *domain.BuildJob, steps []*domain.BuildStep) error
	FindByID(ctx context.Context, id int64) (*domain.BuildJob, error)
	ListRecentByApp(ctx context.Context, appID int64, limit int) ([]*domain.BuildJob, error)
	// ListSteps 按 position 升序返回。
	ListSteps(ctx context.Context, buildID int64) ([]*domain.BuildStep, error)
	TransitionJob(ctx context.Context, id int64, from, to domain.BuildStatus, upd JobUpdate) error
	// TransitionStep 在流转到 running 时额外校验所有更小 position 的兄弟步骤均已终结。
	TransitionStep(ctx context.Context, stepID int64, from, to domain.BuildStatus, upd StepUpdate) error
	// Heartbeat 仅对 running 的 job 生效，否则返回 domain.ErrStaleState。
	Heartbeat(ctx context.Context, id int64, at time.Time) error
	// FailOrphan 在一个事务中把 running 的 job 置为 failed，running 的步骤同样置为 failed，
	// abandonPending 为 true 时 pending 步骤置为 canceled。job 已不是 running 时返回 domain.ErrStaleState。
	FailOrphan(ctx context.Context, buildID int64, message string, abandonPending bool) error
	// FindStaleRunning 返回最近一次心跳（无心跳则 started_at）早于 before 的 running job。
	FindStaleRunning(ctx context.Context, before time.Time) ([]*domain.BuildJob, error)
}

type ReleaseRepository interface {
	// CreateForBuild 在同一事务中插入 pending Release 并回写 build_jobs.release_id。
	// (app, version) 冲突返回 domain.ErrVersionConflict。
	CreateForBuild(ctx context.Context, release *domain.Release, buildID int64) error
	// Finalize 把 pending Release 置为 built / failed，之后不可再变。
	Finalize(ctx context.Context, id int64, to domain.ReleaseStatus, imageRef string) error
	FindByID(ctx context.Context, id int64) (*domain.Release, error)
	FindByAppVersion(ctx context.Context, appID int64, version string) (*domain.Release, error)
	ListByApp(ctx context.Context, appID int64) ([]*domain.Release, error)
	// Delete 在仍有 Deploy 引用时返回 domain.ErrReleaseInUse。
	Delete(ctx context.Context, id int64) error
}

type DeployUpdate struct {
	At           time.Time
	ErrorMessage string
	RunnerName   string
	PipelineURL  string
	LogsURL      string
}

type DeployRepository interface {
	Create(ctx context.Context, deploy *domain.Deploy) error
	FindByID(ctx context.Context, id int64) (*domain.Deploy, error)
	Transition(ctx context.Context, id int64, from, to domain.DeployStatus, upd DeployUpdate) error
	Heartbeat(ctx context.Context, id int64, at time.Time) error
	// ListByAppEnv env 为空时返回该 App 的全部 Deploy，按创建时间倒序。
	ListByAppEnv(ctx context.Context, appID int64, env string, limit int) ([]*domain.Deploy, error)
	ListByRelease(ctx context.Context, releaseID int64) ([]*domain.Deploy, error)
	FindStaleRunning(ctx context.Context, before time.Time) ([]*domain.Deploy, error)
}

// LogSink 是按 (build, step, chunk_index) 追加的日志存储。
// stepID 为 nil 表示 build 级日志。chunk_index 从 0 开始且不可跳号。
type LogSink interface {
	// AppendChunk 对相同内容的重复写入幂等；同一 index 不同内容返回 domain.ErrChunkConflict；
	// 前一个 index 缺失时返回 domain.ErrChunkGap。
	AppendChunk(ctx context.Context, buildID int64, stepID *int64, index int, content string) error
	// ReadRange 返回 from <= index < to 的 chunk；to < 0 表示读到末尾。
	ReadRange(ctx context.Context, buildID int64, stepID *int64, from, to int) ([]*domain.LogChunk, error)
	// NextIndex 返回下一个可写入的 chunk_index。
	NextIndex(ctx context.Context, buildID int64, stepID *int64) (int, error)
	// ListByBuild 返回整个 build 的全部 chunk，build 级日志在前，其余按 step、index 排序。
	ListByBuild(ctx context.Context, buildID int64) ([]*domain.LogChunk, error)
}
