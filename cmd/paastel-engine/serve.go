package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	httpadapter "github.com/paastel-io/paastel/internal/adapter/http"
	"github.com/paastel-io/paastel/internal/adapter/queue"
	"github.com/paastel-io/paastel/internal/config"
	"github.com/paastel-io/paastel/internal/port"
	"github.com/paastel-io/paastel/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var withReconciler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API; without REDIS_ADDR builds and deploys also run in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load(), withReconciler)
		},
	}
	cmd.Flags().BoolVar(&withReconciler, "reconcile", true, "run the orphan reconciler in this process")
	return cmd
}

func serve(cfg *config.Config, withReconciler bool) error {
	// runCtx 是在途构建与部署的生命周期，只在优雅退出超时后才取消。
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	e, err := newEngine(runCtx, cfg)
	if err != nil {
		return err
	}

	var dispatcher port.Dispatcher
	var local *service.LocalDispatcher
	if cfg.RedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close()
		dispatcher = queue.NewDispatcher(client)
		slog.Info("dispatching runs to redis queue", "redis", cfg.RedisAddr)
	} else {
		local = service.NewLocalDispatcher(runCtx, e.buildCoord, e.deployCoord)
		dispatcher = local
		slog.Info("dispatching runs in-process")
	}

	var reconciler *service.Reconciler
	if withReconciler {
		reconciler = e.reconciler()
		if err := reconciler.Start(); err != nil {
			return err
		}
	}

	appSvc := service.NewAppService(e.apps, e.builds, e.deploys, service.AllowAll{}, e.defaultOrg)
	handler := httpadapter.NewRouter(httpadapter.Handlers{
		Apps:     httpadapter.NewAppHandler(appSvc),
		Builds:   httpadapter.NewBuildHandler(appSvc, e.buildCoord, dispatcher),
		Releases: httpadapter.NewReleaseHandler(appSvc, service.NewReleaseService(e.apps, e.releases, service.AllowAll{})),
		Deploys:  httpadapter.NewDeployHandler(appSvc, e.deployCoord, dispatcher),
		Logs:     httpadapter.NewLogHandler(service.NewLogService(e.builds, e.logs, e.logQuerier, cfg.BuildNamespace)),
	}, cfg.APIToken)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if reconciler != nil {
		reconciler.Stop(shutdownCtx)
	}
	if local != nil {
		waitRuns(shutdownCtx, local, cancelRuns)
	}
	return nil
}

// waitRuns 等待进程内的构建与部署结束；超时后取消它们。构建由协调器记为 canceled，
// 部署要等后端接受停止才记为 canceled，否则保持 running 交给对账循环。
func waitRuns(ctx context.Context, local *service.LocalDispatcher, cancelRuns context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		local.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
		slog.Warn("in-flight runs did not finish before shutdown timeout, canceling")
		cancelRuns()
		<-done
	}
}
