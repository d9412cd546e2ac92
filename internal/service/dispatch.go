package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/paastel-io/paastel/internal/port"
)

// LocalDispatcher 在当前进程内用 goroutine 执行构建与部署，
// 未配置 Redis 时使用。Wait 用于优雅退出时等待在途任务。
type LocalDispatcher struct {
	ctx     context.Context
	builds  *BuildCoordinator
	deploys *DeployCoordinator
	wg      sync.WaitGroup
}

var _ port.Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher 的 ctx 是进程级生命周期，与发起请求的 ctx 无关。
func NewLocalDispatcher(ctx context.Context, builds *BuildCoordinator, deploys *DeployCoordinator) *LocalDispatcher {
	return &LocalDispatcher{ctx: ctx, builds: builds, deploys: deploys}
}

func (d *LocalDispatcher) DispatchBuild(_ context.Context, buildID int64, releaseVersion string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.builds.Run(d.ctx, buildID, releaseVersion); err != nil {
			slog.Error("build run failed", "build_id", buildID, "error", err)
		}
	}()
	return nil
}

func (d *LocalDispatcher) DispatchDeploy(_ context.Context, deployID int64) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deploys.Run(d.ctx, deployID); err != nil {
			slog.Error("deploy run failed", "deploy_id", deployID, "error", err)
		}
	}()
	return nil
}

func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
