package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// Reconciler 周期性地把长时间没有心跳的 running 构建与部署判定为孤儿并置为 failed。
// 每一轮都是幂等的；存储错误只记录日志，下一轮自然重试。它从不重新执行任务。
type Reconciler struct {
	builds        port.BuildRepository
	deploys       port.DeployRepository
	interval      time.Duration
	timeout       time.Duration
	markAbandoned bool
	now           func() time.Time

	cron *cron.Cron
}

type ReconcilerOptions struct {
	Interval      time.Duration
	OrphanTimeout time.Duration
	MarkAbandoned bool
}

func NewReconciler(builds port.BuildRepository, deploys port.DeployRepository, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{
		builds:        builds,
		deploys:       deploys,
		interval:      opts.Interval,
		timeout:       opts.OrphanTimeout,
		markAbandoned: opts.MarkAbandoned,
		now:           time.Now,
	}
}

// ReconcileResult 统计一轮对账处理的数量。
type ReconcileResult struct {
	Builds  int
	Deploys int
}

// Start 按固定间隔调度对账；上一轮未结束时跳过本轮。
func (r *Reconciler) Start() error {
	logger := cronLogger{}
	r.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	_, err := r.cron.AddFunc("@every "+r.interval.String(), func() {
		r.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("reconciler started", "interval", r.interval, "orphan_timeout", r.timeout)
	return nil
}

// Stop 停止调度并等待正在进行的一轮结束。
func (r *Reconciler) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) ReconcileResult {
	before := r.now().Add(-r.timeout)
	res := ReconcileResult{
		Builds:  r.reconcileBuilds(ctx, before),
		Deploys: r.reconcileDeploys(ctx, before),
	}
	if res.Builds > 0 || res.Deploys > 0 {
		slog.Info("reconciled orphaned runs", "builds", res.Builds, "deploys", res.Deploys)
	}
	return res
}

func (r *Reconciler) reconcileBuilds(ctx context.Context, before time.Time) int {
	jobs, err := r.builds.FindStaleRunning(ctx, before)
	if err != nil {
		slog.Error("reconciler: list stale builds", "error", err)
		return 0
	}
	n := 0
	for _, job := range jobs {
		// job 与步骤在同一事务里解决，失败时整体保持 running，下一轮重来。
		err := r.builds.FailOrphan(ctx, job.ID, domain.ErrOrphaned.Error(), r.markAbandoned)
		if err != nil {
			if !errors.Is(err, domain.ErrStaleState) {
				slog.Error("reconciler: fail orphaned build", "build_id", job.ID, "error", err)
			}
			continue
		}
		n++
		slog.Warn("build orphaned", "build_id", job.ID, "runner", job.Runner.Name)
	}
	return n
}

func (r *Reconciler) reconcileDeploys(ctx context.Context, before time.Time) int {
	deploys, err := r.deploys.FindStaleRunning(ctx, before)
	if err != nil {
		slog.Error("reconciler: list stale deploys", "error", err)
		return 0
	}
	n := 0
	for _, d := range deploys {
		err := r.deploys.Transition(ctx, d.ID, domain.DeployStatusRunning, domain.DeployStatusFailed, port.DeployUpdate{ErrorMessage: domain.ErrOrphaned.Error()})
		if err != nil {
			if !errors.Is(err, domain.ErrStaleState) {
				slog.Error("reconciler: fail orphaned deploy", "deploy_id", d.ID, "error", err)
			}
			continue
		}
		n++
		slog.Warn("deploy orphaned", "deploy_id", d.ID, "runner", d.RunnerName)
	}
	return n
}

// cronLogger 把 cron 的内部日志转到 slog。
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
