package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// AdmissionRule 由调用方提供，返回非 nil 即拒绝该部署。
type AdmissionRule func(ctx context.Context, app *domain.App, environment string) error

// FrozenEnvironments 拒绝向列出的环境部署，用于发布冻结期。
func FrozenEnvironments(envs []string) AdmissionRule {
	frozen := make(map[string]bool, len(envs))
	for _, e := range envs {
		frozen[e] = true
	}
	return func(_ context.Context, app *domain.App, environment string) error {
		if frozen[environment] {
			return fmt.Errorf("environment %s is frozen for deploys of %s", environment, app.Slug)
		}
		return nil
	}
}

type DeployOptions struct {
	MaxAttempts       int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	RunnerName        string
	Admission         AdmissionRule
}

type DeployDeps struct {
	Apps       port.AppRepository
	Releases   port.ReleaseRepository
	Deploys    port.DeployRepository
	Backend    port.DeployBackend
	Authorizer port.Authorizer
}

// DeployCoordinator 把一个 built 的 Release 放入某个环境。
// 同一 (app, environment) 的多个部署不做串行化，先后由调用方决定。
type DeployCoordinator struct {
	apps     port.AppRepository
	releases port.ReleaseRepository
	deploys  port.DeployRepository
	backend  port.DeployBackend
	authz    port.Authorizer
	opts     DeployOptions
}

func NewDeployCoordinator(deps DeployDeps, opts DeployOptions) *DeployCoordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &DeployCoordinator{
		apps:     deps.Apps,
		releases: deps.Releases,
		deploys:  deps.Deploys,
		backend:  deps.Backend,
		authz:    deps.Authorizer,
		opts:     opts,
	}
}

type StartDeployRequest struct {
	ReleaseID   int64               `json:"-"`
	Environment string              `json:"environment"`
	Target      domain.DeployTarget `json:"target"`
	TriggeredBy *int64              `json:"-"`
}

func (c *DeployCoordinator) StartDeploy(ctx context.Context, req StartDeployRequest) (*domain.Deploy, error) {
	release, err := c.releases.FindByID(ctx, req.ReleaseID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, c.authz, req.TriggeredBy, release.AppID, port.ActionDeploy); err != nil {
		return nil, err
	}
	if !release.Deployable() {
		return nil, fmt.Errorf("release %s is %s: %w", release.Version, release.Status, domain.ErrReleaseNotReady)
	}
	if err := domain.ValidateEnvironment(req.Environment); err != nil {
		return nil, err
	}
	app, err := c.apps.FindByID(ctx, release.AppID)
	if err != nil {
		return nil, err
	}
	if c.opts.Admission != nil {
		if err := c.opts.Admission(ctx, app, req.Environment); err != nil {
			return nil, fmt.Errorf("%w: deploy of %s to %s rejected: %v", domain.ErrForbidden, app.Slug, req.Environment, err)
		}
	}

	deploy := &domain.Deploy{
		AppID:       app.ID,
		ReleaseID:   release.ID,
		Environment: req.Environment,
		Status:      domain.DeployStatusPending,
		TriggeredBy: req.TriggeredBy,
		Target:      req.Target,
	}
	if err := c.deploys.Create(ctx, deploy); err != nil {
		return nil, err
	}
	slog.Info("deploy created", "deploy_id", deploy.ID, "app", app.Slug, "version", release.Version, "environment", req.Environment)
	return deploy, nil
}

// Run 驱动一个 pending 的部署到终态。部署失败只记录在状态里，
// 返回的 error 仅表示存储层错误。
func (c *DeployCoordinator) Run(ctx context.Context, deployID int64) error {
	deploy, err := c.deploys.FindByID(ctx, deployID)
	if err != nil {
		return err
	}
	if deploy.Status.IsTerminal() {
		return nil
	}
	if deploy.Status != domain.DeployStatusPending {
		return fmt.Errorf("deploy %d is owned by runner %q: %w", deployID, deploy.RunnerName, domain.ErrStaleState)
	}
	req, err := c.backendRequest(ctx, deploy)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.settle(ctx, deployID, domain.DeployStatusPending, domain.DeployStatusCanceled, port.DeployUpdate{ErrorMessage: err.Error()})
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = c.deploys.Transition(ctx, deployID, domain.DeployStatusPending, domain.DeployStatusRunning, port.DeployUpdate{RunnerName: c.opts.RunnerName})
	if err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return nil
		}
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	go c.heartbeat(hbCtx, deployID, cancel)
	result, err := c.deployWithRetry(runCtx, deployID, req)
	stopHeartbeat()

	// 终态写入不跟随 ctx 取消，进程退出时也要落库。
	ctx, cancelStore := detached(ctx)
	defer cancelStore()

	switch {
	case err == nil:
		slog.Info("deploy succeeded", "deploy_id", deployID, "app", req.AppSlug, "environment", req.Environment)
		return c.settle(ctx, deployID, domain.DeployStatusRunning, domain.DeployStatusSucceeded, port.DeployUpdate{
			PipelineURL: result.PipelineURL,
			LogsURL:     result.LogsURL,
		})
	case errors.Is(err, domain.ErrCanceled):
		slog.Info("deploy canceled", "deploy_id", deployID)
		return c.settle(ctx, deployID, domain.DeployStatusRunning, domain.DeployStatusCanceled, port.DeployUpdate{
			ErrorMessage: "canceled",
			PipelineURL:  result.PipelineURL,
			LogsURL:      result.LogsURL,
		})
	case runCtx.Err() != nil:
		// 进程退出或心跳丢失，本进程不再观察后端；只有后端接受停止后才记为 canceled，
		// 否则保持 running 交给对账循环。
		if cerr := c.backend.Cancel(ctx, req); cerr != nil {
			slog.Warn("deploy interrupted and backend cancel failed, leaving it running", "deploy_id", deployID, "error", cerr)
			return nil
		}
		slog.Info("deploy interrupted, backend stopped", "deploy_id", deployID)
		return c.settle(ctx, deployID, domain.DeployStatusRunning, domain.DeployStatusCanceled, port.DeployUpdate{
			ErrorMessage: "canceled",
			PipelineURL:  result.PipelineURL,
			LogsURL:      result.LogsURL,
		})
	default:
		slog.Error("deploy failed", "deploy_id", deployID, "error", err)
		return c.settle(ctx, deployID, domain.DeployStatusRunning, domain.DeployStatusFailed, port.DeployUpdate{
			ErrorMessage: port.AsStepError(err).Message,
			PipelineURL:  result.PipelineURL,
			LogsURL:      result.LogsURL,
		})
	}
}

func (c *DeployCoordinator) deployWithRetry(ctx context.Context, deployID int64, req port.DeployRequest) (port.DeployResult, error) {
	backoff := wait.Backoff{
		Duration: c.opts.RetryBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    c.opts.MaxAttempts,
	}
	for attempt := 1; ; attempt++ {
		result, err := c.backend.Deploy(ctx, req)
		if err == nil || ctx.Err() != nil || errors.Is(err, domain.ErrCanceled) {
			return result, err
		}
		if !port.AsStepError(err).Retryable || attempt >= c.opts.MaxAttempts {
			return result, err
		}
		delay := backoff.Step()
		slog.Warn("deploy attempt failed, retrying", "deploy_id", deployID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// settle 写入终态；与取消或对账并发时输给对方不算错误。
func (c *DeployCoordinator) settle(ctx context.Context, id int64, from, to domain.DeployStatus, upd port.DeployUpdate) error {
	err := c.deploys.Transition(ctx, id, from, to, upd)
	if errors.Is(err, domain.ErrStaleState) {
		slog.Info("deploy resolved elsewhere", "deploy_id", id, "wanted", to)
		return nil
	}
	return err
}

func (c *DeployCoordinator) backendRequest(ctx context.Context, deploy *domain.Deploy) (port.DeployRequest, error) {
	app, err := c.apps.FindByID(ctx, deploy.AppID)
	if err != nil {
		return port.DeployRequest{}, err
	}
	release, err := c.releases.FindByID(ctx, deploy.ReleaseID)
	if err != nil {
		return port.DeployRequest{}, err
	}
	return port.DeployRequest{
		DeployID:    deploy.ID,
		AppSlug:     app.Slug,
		Environment: deploy.Environment,
		Version:     release.Version,
		ImageRef:    release.ImageRef,
		Target:      deploy.Target,
	}, nil
}

func (c *DeployCoordinator) heartbeat(ctx context.Context, deployID int64, onLost context.CancelFunc) {
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
			err := c.deploys.Heartbeat(ctx, deployID, now)
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrNotFound) {
				slog.Info("deploy no longer running, interrupting backend", "deploy_id", deployID)
				onLost()
				return
			}
			if ctx.Err() == nil {
				slog.Warn("deploy heartbeat failed", "deploy_id", deployID, "error", err)
			}
		}
	}
}

// Cancel 对 pending 的部署直接置为 canceled；对 running 的部署只向后端发出停止信号，
// 终态由观察到后端结果的 Run 记录。后端拒绝停止时返回 Retryable 错误，部署保持 running。
// 终态部署上是空操作。
func (c *DeployCoordinator) Cancel(ctx context.Context, deployID int64, actor *int64) (*domain.Deploy, error) {
	deploy, err := c.deploys.FindByID(ctx, deployID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, c.authz, actor, deploy.AppID, port.ActionCancel); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 5 && deploy.CanCancel(); attempt++ {
		if deploy.Status == domain.DeployStatusRunning {
			req, err := c.backendRequest(ctx, deploy)
			if err != nil {
				return nil, err
			}
			if err := c.backend.Cancel(ctx, req); err != nil {
				slog.Warn("backend cancel failed", "deploy_id", deployID, "error", err)
				return nil, fmt.Errorf("cancel deploy %d: %v: %w", deployID, err, domain.ErrRetryable)
			}
			return deploy, nil
		}
		err := c.deploys.Transition(ctx, deployID, domain.DeployStatusPending, domain.DeployStatusCanceled, port.DeployUpdate{ErrorMessage: "canceled"})
		if err == nil {
			return c.deploys.FindByID(ctx, deployID)
		}
		if !errors.Is(err, domain.ErrStaleState) {
			return nil, err
		}
		if deploy, err = c.deploys.FindByID(ctx, deployID); err != nil {
			return nil, err
		}
	}
	return deploy, nil
}

func (c *DeployCoordinator) GetDeploy(ctx context.Context, id int64) (*domain.Deploy, error) {
	return c.deploys.FindByID(ctx, id)
}

func (c *DeployCoordinator) ListDeploys(ctx context.Context, appID int64, env string, limit int) ([]*domain.Deploy, error) {
	if _, err := c.apps.FindByID(ctx, appID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return c.deploys.ListByAppEnv(ctx, appID, env, limit)
}

func (c *DeployCoordinator) ListDeploysByRelease(ctx context.Context, releaseID int64) ([]*domain.Deploy, error) {
	if _, err := c.releases.FindByID(ctx, releaseID); err != nil {
		return nil, err
	}
	return c.deploys.ListByRelease(ctx, releaseID)
}
