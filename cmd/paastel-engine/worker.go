package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paastel-io/paastel/internal/adapter/queue"
	"github.com/paastel-io/paastel/internal/config"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute builds and deploys from the redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return work(config.Load())
		},
	}
}

func work(cfg *config.Config) error {
	if cfg.RedisAddr == "" {
		return errors.New("worker requires REDIS_ADDR")
	}
	e, err := newEngine(context.Background(), cfg)
	if err != nil {
		return err
	}

	srv := queue.NewServer(queue.ServerConfig{RedisAddr: cfg.RedisAddr, Concurrency: cfg.WorkerConcurrency})
	if err := srv.Start(queue.NewServeMux(e.buildCoord, e.deployCoord)); err != nil {
		return err
	}
	slog.Info("worker started", "runner_name", e.runnerName, "concurrency", cfg.WorkerConcurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Shutdown 取消在途任务的 ctx 并等待处理函数返回。
	slog.Info("shutting down worker")
	srv.Shutdown()
	return nil
}
