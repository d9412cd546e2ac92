package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/paastel-io/paastel/internal/domain"
)

type BuildRunner interface {
	Run(ctx context.Context, buildID int64, releaseVersion string) error
}

type DeployRunner interface {
	Run(ctx context.Context, deployID int64) error
}

// NewServeMux 注册构建与部署任务的处理函数。
func NewServeMux(builds BuildRunner, deploys DeployRunner) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBuildRun, buildHandler(builds))
	mux.HandleFunc(TypeDeployRun, deployHandler(deploys))
	return mux
}

func buildHandler(builds BuildRunner) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := parseBuildPayload(t)
		if err != nil {
			return err
		}
		return settle(builds.Run(ctx, p.BuildID, p.ReleaseVersion), "build_id", p.BuildID)
	}
}

func deployHandler(deploys DeployRunner) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := parseDeployPayload(t)
		if err != nil {
			return err
		}
		return settle(deploys.Run(ctx, p.DeployID), "deploy_id", p.DeployID)
	}
}

// settle 把已被其他 worker 认领或已删除的任务视为完成；其余错误不再由队列重试。
func settle(err error, key string, id int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrStaleState), errors.Is(err, domain.ErrNotFound):
		slog.Info("task skipped", key, id, "reason", err)
		return nil
	default:
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}

type ServerConfig struct {
	RedisAddr   string
	Concurrency int
}

// NewServer 创建 asynq worker，日志统一输出到 slog。
func NewServer(cfg ServerConfig) *asynq.Server {
	return asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      slogLogger{},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			slog.Error("task failed", "type", task.Type(), "error", err)
		}),
	})
}

type slogLogger struct{}

func (slogLogger) Debug(args ...interface{}) { slog.Debug(fmt.Sprint(args...)) }
func (slogLogger) Info(args ...interface{})  { slog.Info(fmt.Sprint(args...)) }
func (slogLogger) Warn(args ...interface{})  { slog.Warn(fmt.Sprint(args...)) }
func (slogLogger) Error(args ...interface{}) { slog.Error(fmt.Sprint(args...)) }
func (slogLogger) Fatal(args ...interface{}) { slog.Error(fmt.Sprint(args...)) }
