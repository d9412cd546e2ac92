package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/pipeline"
	"github.com/paastel-io/paastel/internal/port"
)

type BuildOptions struct {
	MaxAttempts       int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	// MarkAbandoned 为 true 时，失败或取消之后未执行的步骤标记为 canceled；否则保持 pending。
	MarkAbandoned bool
	RegistryBase  string
	// RunnerName 是当前 worker 的身份，写入 build_jobs.runner_name。
	RunnerName    string
	DefaultRunner string
}

type BuildDeps struct {
	Apps       port.AppRepository
	Builds     port.BuildRepository
	Releases   port.ReleaseRepository
	Logs       port.LogSink
	Executors  *ExecutorRegistry
	Pipelines  *pipeline.Set
	Resolver   port.SourceResolver
	Authorizer port.Authorizer
}

// BuildCoordinator 按 position 顺序驱动一个 BuildJob 的全部步骤，
// 成功后物化 Release。所有状态以存储为准，跨挂起点不缓存。
type BuildCoordinator struct {
	apps      port.AppRepository
	builds    port.BuildRepository
	releases  port.ReleaseRepository
	logs      port.LogSink
	executors *ExecutorRegistry
	pipelines *pipeline.Set
	resolver  port.SourceResolver
	authz     port.Authorizer
	opts      BuildOptions

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

func NewBuildCoordinator(deps BuildDeps, opts BuildOptions) *BuildCoordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &BuildCoordinator{
		apps:      deps.Apps,
		builds:    deps.Builds,
		releases:  deps.Releases,
		logs:      deps.Logs,
		executors: deps.Executors,
		pipelines: deps.Pipelines,
		resolver:  deps.Resolver,
		authz:     deps.Authorizer,
		opts:      opts,
		running:   make(map[int64]context.CancelFunc),
	}
}

type StartBuildRequest struct {
	AppID       int64               `json:"-"`
	Source      domain.SourceRef    `json:"source"`
	Trigger     domain.BuildTrigger `json:"trigger"`
	TriggeredBy *int64              `json:"-"`
	// Steps 为空时使用流水线定义的全部步骤。
	Steps  []string `json:"steps"`
	Runner string   `json:"runner_type"`
	// ReleaseVersion 为空时在成功后自动取下一个 patch 版本。
	ReleaseVersion string `json:"release_version"`
}

// StartBuild 在一个事务中创建 pending 的 BuildJob 及其全部步骤。
func (c *BuildCoordinator) StartBuild(ctx context.Context, req StartBuildRequest) (*domain.BuildJob, error) {
	if err := authorize(ctx, c.authz, req.TriggeredBy, req.AppID, port.ActionBuild); err != nil {
		return nil, err
	}
	app, err := c.apps.FindByID(ctx, req.AppID)
	if err != nil {
		return nil, err
	}

	if req.Trigger == "" {
		req.Trigger = domain.BuildTriggerManual
	}
	if !req.Trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger %q", domain.ErrInvalidInput, req.Trigger)
	}
	if err := domain.ValidateSourceRef(req.Source); err != nil {
		return nil, err
	}
	if req.ReleaseVersion != "" {
		if err := domain.ValidateVersion(req.ReleaseVersion); err != nil {
			return nil, err
		}
		if _, err := c.releases.FindByAppVersion(ctx, app.ID, req.ReleaseVersion); err == nil {
			return nil, fmt.Errorf("%q for app %s: %w", req.ReleaseVersion, app.Slug, domain.ErrVersionConflict)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	def, err := c.definition(app)
	if err != nil {
		return nil, err
	}
	names := req.Steps
	if len(names) == 0 {
		names = def.StepNames()
	}
	for _, name := range names {
		if _, ok := def.Spec(name); !ok {
			return nil, fmt.Errorf("%w: step %q is not defined in the pipeline of %s", domain.ErrInvalidInput, name, app.Slug)
		}
	}
	steps, err := domain.NewBuildSteps(names)
	if err != nil {
		return nil, err
	}

	runner := req.Runner
	if runner == "" {
		runner = def.Runner
	}
	if runner == "" {
		runner = c.opts.DefaultRunner
	}
	if _, err := c.executors.Get(runner); err != nil {
		return nil, err
	}

	source := req.Source
	if c.resolver != nil && app.RepoURL != "" && source.CommitSHA == "" {
		resolved, err := c.resolver.Resolve(ctx, app.RepoURL, source)
		if err != nil {
			slog.Warn("failed to resolve source ref, building unresolved", "app", app.Slug, "ref", source.Ref(), "error", err)
		} else {
			source = resolved
		}
	}

	job := &domain.BuildJob{
		AppID:       app.ID,
		Status:      domain.BuildStatusPending,
		Trigger:     req.Trigger,
		TriggeredBy: req.TriggeredBy,
		Source:      source,
		Runner:      domain.Runner{Type: runner},
	}
	if err := c.builds.CreateWithSteps(ctx, job, steps); err != nil {
		return nil, err
	}
	slog.Info("build created", "build_id", job.ID, "app", app.Slug, "steps", len(steps), "runner", runner)
	return job, nil
}

func (c *BuildCoordinator) definition(app *domain.App) (*pipeline.Definition, error) {
	if c.pipelines == nil {
		return nil, fmt.Errorf("%w: no pipeline configured", domain.ErrInvalidInput)
	}
	def, ok := c.pipelines.For(app.Slug)
	if !ok {
		return nil, fmt.Errorf("%w: no pipeline for app %s", domain.ErrInvalidInput, app.Slug)
	}
	return def, nil
}

// Run 执行一个 pending 的构建直到终态。失败的步骤只记录在状态里，
// 返回的 error 仅表示基础设施错误或 Release 物化失败（如 ErrVersionConflict）。
func (c *BuildCoordinator) Run(ctx context.Context, buildID int64, releaseVersion string) error {
	job, err := c.builds.FindByID(ctx, buildID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		slog.Info("build already finished, skipping run", "build_id", buildID, "status", job.Status)
		return nil
	}
	if job.Status != domain.BuildStatusPending {
		return fmt.Errorf("build %d is owned by runner %q: %w", buildID, job.Runner.Name, domain.ErrStaleState)
	}

	app, err := c.apps.FindByID(ctx, job.AppID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.abort(ctx, job, "app not found")
		}
		return err
	}
	def, err := c.definition(app)
	if err != nil {
		return c.abort(ctx, job, err.Error())
	}
	executor, err := c.executors.Get(job.Runner.Type)
	if err != nil {
		return c.abort(ctx, job, err.Error())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(buildID, cancel)
	defer c.untrack(buildID)

	err = c.builds.TransitionJob(ctx, buildID, domain.BuildStatusPending, domain.BuildStatusRunning, port.JobUpdate{
		Runner: domain.Runner{Type: job.Runner.Type, Name: c.opts.RunnerName},
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			slog.Info("build was claimed or canceled concurrently", "build_id", buildID)
			return nil
		}
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, buildID, cancel)

	// 状态与日志的写入不跟随 ctx 取消：进程退出时在途构建仍要落到 canceled。
	storeCtx := context.WithoutCancel(ctx)
	buildLog, err := newChunkWriter(storeCtx, c.logs, buildID, nil)
	if err != nil {
		return err
	}
	buildLog.Printf("build #%d started on %s runner %s", buildID, job.Runner.Type, c.opts.RunnerName)

	outcome, errMsg, imageRef := c.runSteps(storeCtx, runCtx, job, app, def, executor, buildLog)
	stopHeartbeat()
	ctx, cancelStore := detached(ctx)
	defer cancelStore()
	if ws, ok := executor.(port.WorkspaceCleaner); ok {
		if err := ws.Cleanup(buildID); err != nil {
			slog.Warn("failed to clean build workspace", "build_id", buildID, "error", err)
		}
	}

	switch outcome {
	case domain.BuildStatusSucceeded:
		if imageRef == "" {
			imageRef = c.targetImage(app, job)
		}
		err := c.builds.TransitionJob(ctx, buildID, domain.BuildStatusRunning, domain.BuildStatusSucceeded, port.JobUpdate{ImageRef: imageRef})
		if err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				slog.Info("build resolved elsewhere before completion", "build_id", buildID)
				return nil
			}
			return err
		}
		buildLog.Printf("build succeeded, image %s", imageRef)
		slog.Info("build succeeded", "build_id", buildID, "image", imageRef)
		job.Status = domain.BuildStatusSucceeded
		job.ImageRef = imageRef
		_, err = c.materialize(ctx, job, app, releaseVersion)
		return err
	default:
		buildLog.Printf("build %s: %s", outcome, errMsg)
		err := c.builds.TransitionJob(ctx, buildID, domain.BuildStatusRunning, outcome, port.JobUpdate{ErrorMessage: errMsg})
		if err != nil && !errors.Is(err, domain.ErrStaleState) {
			return err
		}
		slog.Info("build finished", "build_id", buildID, "status", outcome, "error", errMsg)
		return nil
	}
}

// runSteps 严格按 position 顺序执行步骤，返回构建的结局。
func (c *BuildCoordinator) runSteps(
	ctx, runCtx context.Context,
	job *domain.BuildJob,
	app *domain.App,
	def *pipeline.Definition,
	executor port.StepExecutor,
	buildLog *chunkWriter,
) (domain.BuildStatus, string, string) {
	steps, err := c.builds.ListSteps(ctx, job.ID)
	if err != nil {
		return domain.BuildStatusFailed, "list steps: " + err.Error(), ""
	}

	var imageRef string
	for i, step := range steps {
		if runCtx.Err() != nil {
			c.abandon(ctx, steps[i:])
			return domain.BuildStatusCanceled, "canceled", ""
		}
		if err := c.builds.TransitionStep(ctx, step.ID, domain.BuildStatusPending, domain.BuildStatusRunning, port.StepUpdate{}); err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				c.abandon(ctx, steps[i:])
				return domain.BuildStatusCanceled, "canceled", ""
			}
			return domain.BuildStatusFailed, fmt.Sprintf("start step %q: %v", step.Name, err), ""
		}
		buildLog.Printf("step %d/%d %s started", step.Position, len(steps), step.Name)

		spec, _ := def.Spec(step.Name)
		out, stepErr := c.runStep(ctx, runCtx, executor, port.StepRequest{
			BuildID:     job.ID,
			StepID:      step.ID,
			Position:    step.Position,
			Name:        step.Name,
			AppSlug:     app.Slug,
			RepoURL:     app.RepoURL,
			Source:      job.Source,
			TargetImage: c.targetImage(app, job),
			Spec:        spec,
		}, def.Retry)

		if stepErr == nil {
			err := c.builds.TransitionStep(ctx, step.ID, domain.BuildStatusRunning, domain.BuildStatusSucceeded, port.StepUpdate{})
			if errors.Is(err, domain.ErrStaleState) {
				// 执行期间被取消，步骤已由取消方置为 canceled。
				c.abandon(ctx, steps[i+1:])
				return domain.BuildStatusCanceled, "canceled", ""
			}
			if err != nil {
				return domain.BuildStatusFailed, fmt.Sprintf("record step %q: %v", step.Name, err), ""
			}
			if out.ImageRef != "" {
				imageRef = out.ImageRef
			}
			continue
		}

		if runCtx.Err() != nil {
			err := c.builds.TransitionStep(ctx, step.ID, domain.BuildStatusRunning, domain.BuildStatusCanceled, port.StepUpdate{ErrorMessage: "canceled"})
			if err != nil && !errors.Is(err, domain.ErrStaleState) {
				slog.Error("failed to record canceled step", "build_id", job.ID, "step", step.Name, "error", err)
			}
			c.abandon(ctx, steps[i+1:])
			return domain.BuildStatusCanceled, "canceled", ""
		}

		msg := stepErr.Message
		if err := c.builds.TransitionStep(ctx, step.ID, domain.BuildStatusRunning, domain.BuildStatusFailed, port.StepUpdate{ErrorMessage: msg}); err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				c.abandon(ctx, steps[i+1:])
				return domain.BuildStatusCanceled, "canceled", ""
			}
			slog.Error("failed to record failed step", "build_id", job.ID, "step", step.Name, "error", err)
		}
		c.abandon(ctx, steps[i+1:])
		return domain.BuildStatusFailed, fmt.Sprintf("step %q failed: %s", step.Name, msg), ""
	}
	return domain.BuildStatusSucceeded, "", imageRef
}

// runStep 执行单个步骤，对 Retryable 失败按退避重试，直到成功或次数耗尽。
// 流水线定义中的 retry 优先于全局配置。
func (c *BuildCoordinator) runStep(ctx, runCtx context.Context, executor port.StepExecutor, req port.StepRequest, policy pipeline.Retry) (port.StepOutput, *port.StepError) {
	logs, err := newChunkWriter(ctx, c.logs, req.BuildID, &req.StepID)
	if err != nil {
		return port.StepOutput{}, port.AsStepError(err)
	}
	maxAttempts, delay := c.opts.MaxAttempts, c.opts.RetryBackoff
	if policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}
	if policy.Backoff > 0 {
		delay = policy.Backoff
	}
	backoff := wait.Backoff{
		Duration: delay,
		Factor:   2,
		Jitter:   0.1,
		Steps:    maxAttempts,
	}

	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		if attempt > 1 {
			logs.Printf("--- attempt %d/%d ---", attempt, maxAttempts)
		}

		stepCtx, cancel := runCtx, context.CancelFunc(func() {})
		if req.Spec.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(runCtx, req.Spec.Timeout)
		}
		out, err := executor.Execute(stepCtx, req, logs)
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil
		cancel()
		if err == nil {
			return out, nil
		}

		stepErr := port.AsStepError(err)
		if timedOut {
			stepErr = &port.StepError{Message: fmt.Sprintf("timed out after %s", req.Spec.Timeout)}
		}
		if runCtx.Err() != nil || !stepErr.Retryable || attempt >= maxAttempts {
			return port.StepOutput{}, stepErr
		}

		delay := backoff.Step()
		slog.Warn("step failed, retrying", "build_id", req.BuildID, "step", req.Name, "attempt", attempt, "delay", delay, "error", stepErr.Message)
		logs.Printf("attempt %d failed: %s (retrying in %s)", attempt, stepErr.Message, delay.Round(time.Millisecond))
		select {
		case <-runCtx.Done():
			return port.StepOutput{}, &port.StepError{Message: "canceled"}
		case <-time.After(delay):
		}
	}
}

// abandon 处理失败或取消之后未执行的步骤。
func (c *BuildCoordinator) abandon(ctx context.Context, rest []*domain.BuildStep) {
	if !c.opts.MarkAbandoned {
		return
	}
	for _, s := range rest {
		err := c.builds.TransitionStep(ctx, s.ID, domain.BuildStatusPending, domain.BuildStatusCanceled, port.StepUpdate{ErrorMessage: domain.AbandonedStepMessage})
		if err != nil && !errors.Is(err, domain.ErrStaleState) {
			slog.Warn("failed to mark abandoned step", "step_id", s.ID, "error", err)
		}
	}
}

// abort 让一个无法开始的 pending 构建直接进入 canceled。
func (c *BuildCoordinator) abort(ctx context.Context, job *domain.BuildJob, reason string) error {
	slog.Warn("aborting build", "build_id", job.ID, "reason", reason)
	err := c.builds.TransitionJob(ctx, job.ID, domain.BuildStatusPending, domain.BuildStatusCanceled, port.JobUpdate{ErrorMessage: reason})
	if err != nil && !errors.Is(err, domain.ErrStaleState) {
		return err
	}
	return nil
}

func (c *BuildCoordinator) heartbeat(ctx context.Context, buildID int64, onLost context.CancelFunc) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := c.builds.Heartbeat(ctx, buildID, now)
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrNotFound) {
				// 已被取消或被对账循环判定为孤儿，中断执行器。
				slog.Info("build no longer running, interrupting executor", "build_id", buildID)
				onLost()
				return
			}
			if ctx.Err() == nil {
				slog.Warn("build heartbeat failed", "build_id", buildID, "error", err)
			}
		}
	}
}

func (c *BuildCoordinator) targetImage(app *domain.App, job *domain.BuildJob) string {
	return fmt.Sprintf("%s/%s:build-%d", c.opts.RegistryBase, app.Slug, job.ID)
}

func (c *BuildCoordinator) track(buildID int64, cancel context.CancelFunc) {
	c.mu.Lock()
	c.running[buildID] = cancel
	c.mu.Unlock()
}

func (c *BuildCoordinator) untrack(buildID int64) {
	c.mu.Lock()
	delete(c.running, buildID)
	c.mu.Unlock()
}

func (c *BuildCoordinator) interrupt(buildID int64) {
	c.mu.Lock()
	cancel, ok := c.running[buildID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

const maxAutoVersionAttempts = 3

// materialize 为成功的构建创建并定稿 Release。
// 调用方给出的版本冲突时返回 ErrVersionConflict，构建本身仍是 succeeded。
func (c *BuildCoordinator) materialize(ctx context.Context, job *domain.BuildJob, app *domain.App, version string) (*domain.Release, error) {
	auto := version == ""
	attempts := 1
	if auto {
		attempts = maxAutoVersionAttempts
	} else if err := domain.ValidateVersion(version); err != nil {
		return nil, err
	}

	var release *domain.Release
	for i := 0; i < attempts; i++ {
		if auto {
			existing, err := c.releases.ListByApp(ctx, app.ID)
			if err != nil {
				return nil, err
			}
			versions := make([]string, len(existing))
			for j, r := range existing {
				versions[j] = r.Version
			}
			version = domain.NextVersion(versions)
		}
		release = &domain.Release{
			AppID:     app.ID,
			Version:   version,
			Source:    job.Source,
			CreatedBy: job.TriggeredBy,
			Changelog: fmt.Sprintf("build #%d from %s", job.ID, job.Source.Ref()),
		}
		err := c.releases.CreateForBuild(ctx, release, job.ID)
		if err == nil {
			break
		}
		if auto && errors.Is(err, domain.ErrVersionConflict) && i+1 < attempts {
			continue
		}
		slog.Warn("release materialization failed", "build_id", job.ID, "version", version, "error", err)
		return nil, err
	}

	status := domain.ReleaseStatusBuilt
	if err := domain.ValidateImageRef(job.ImageRef); err != nil {
		slog.Warn("build produced an unusable image ref", "build_id", job.ID, "image", job.ImageRef, "error", err)
		status = domain.ReleaseStatusFailed
	}
	if err := c.releases.Finalize(ctx, release.ID, status, job.ImageRef); err != nil {
		return nil, err
	}
	release.Status = status
	release.ImageRef = job.ImageRef
	slog.Info("release materialized", "release_id", release.ID, "app", app.Slug, "version", release.Version, "status", status)
	return release, nil
}

// MaterializeRelease 为已成功但尚未产出 Release 的构建重新物化（例如版本冲突之后换一个版本）。
func (c *BuildCoordinator) MaterializeRelease(ctx context.Context, buildID int64, version string, actor *int64) (*domain.Release, error) {
	job, err := c.builds.FindByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, c.authz, actor, job.AppID, port.ActionRelease); err != nil {
		return nil, err
	}
	if job.Status != domain.BuildStatusSucceeded {
		return nil, fmt.Errorf("build %d is %s: %w", buildID, job.Status, domain.ErrReleaseNotReady)
	}
	if job.ReleaseID != nil {
		return nil, fmt.Errorf("build %d already produced release %d: %w", buildID, *job.ReleaseID, domain.ErrAlreadyExists)
	}
	app, err := c.apps.FindByID(ctx, job.AppID)
	if err != nil {
		return nil, err
	}
	return c.materialize(ctx, job, app, version)
}

// Cancel 取消 pending / running 的构建；对已终结的构建是空操作。
// 先以乐观锁把 job 置为 canceled，再取消正在运行的步骤并中断本进程内的执行器；
// 其他进程里的执行器在下一次心跳失败时自行中断。
func (c *BuildCoordinator) Cancel(ctx context.Context, buildID int64, actor *int64) (*domain.BuildJob, error) {
	job, err := c.builds.FindByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, c.authz, actor, job.AppID, port.ActionCancel); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 5 && job.CanCancel(); attempt++ {
		err := c.builds.TransitionJob(ctx, buildID, job.Status, domain.BuildStatusCanceled, port.JobUpdate{ErrorMessage: "canceled"})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStaleState) {
			return nil, err
		}
		if job, err = c.builds.FindByID(ctx, buildID); err != nil {
			return nil, err
		}
	}

	steps, err := c.builds.ListSteps(ctx, buildID)
	if err != nil {
		return nil, err
	}
	var pending []*domain.BuildStep
	for _, s := range steps {
		if s.Status == domain.BuildStatusPending {
			pending = append(pending, s)
		}
		if s.Status != domain.BuildStatusRunning {
			continue
		}
		err := c.builds.TransitionStep(ctx, s.ID, domain.BuildStatusRunning, domain.BuildStatusCanceled, port.StepUpdate{ErrorMessage: "canceled"})
		if err != nil && !errors.Is(err, domain.ErrStaleState) {
			return nil, err
		}
	}
	c.abandon(ctx, pending)
	c.interrupt(buildID)
	return c.builds.FindByID(ctx, buildID)
}

func (c *BuildCoordinator) GetBuild(ctx context.Context, id int64) (*domain.BuildJob, error) {
	return c.builds.FindByID(ctx, id)
}

func (c *BuildCoordinator) ListBuilds(ctx context.Context, appID int64, limit int) ([]*domain.BuildJob, error) {
	if _, err := c.apps.FindByID(ctx, appID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return c.builds.ListRecentByApp(ctx, appID, limit)
}

func (c *BuildCoordinator) ListSteps(ctx context.Context, buildID int64) ([]*domain.BuildStep, error) {
	if _, err := c.builds.FindByID(ctx, buildID); err != nil {
		return nil, err
	}
	return c.builds.ListSteps(ctx, buildID)
}
