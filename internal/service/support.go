package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// AllowAll 是未接入身份协作方时的默认 Authorizer。
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, *int64, int64, string) (bool, error) { return true, nil }

func authorize(ctx context.Context, authz port.Authorizer, actor *int64, appID int64, action string) error {
	if authz == nil {
		return nil
	}
	ok, err := authz.Allowed(ctx, actor, appID, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on app %d", domain.ErrForbidden, action, appID)
	}
	return nil
}

const settleTimeout = 30 * time.Second

// detached 返回不随 ctx 取消、但有超时的上下文，用于运行被中断之后仍需落库的终态写入。
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// ExecutorRegistry 按 runner_type 选择步骤执行后端。
type ExecutorRegistry struct {
	executors map[string]port.StepExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]port.StepExecutor)}
}

func (r *ExecutorRegistry) Register(runnerType string, exec port.StepExecutor) {
	r.executors[runnerType] = exec
}

func (r *ExecutorRegistry) Get(runnerType string) (port.StepExecutor, error) {
	exec, ok := r.executors[runnerType]
	if !ok {
		return nil, fmt.Errorf("%w: runner %q is not available", domain.ErrInvalidInput, runnerType)
	}
	return exec, nil
}

func (r *ExecutorRegistry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// chunkWriter 把每次 Write 作为一个日志 chunk 追加到 LogSink，
// 执行器边产出边写入，进程崩溃时已写入的部分仍然保留。
type chunkWriter struct {
	ctx     context.Context
	sink    port.LogSink
	buildID int64
	stepID  *int64

	// backoff 是单个 chunk 追加失败时的重试节奏。
	backoff wait.Backoff

	mu   sync.Mutex
	next int
}

var _ io.Writer = (*chunkWriter)(nil)

func newChunkWriter(ctx context.Context, sink port.LogSink, buildID int64, stepID *int64) (*chunkWriter, error) {
	next, err := sink.NextIndex(ctx, buildID, stepID)
	if err != nil {
		return nil, err
	}
	return &chunkWriter{
		ctx:     ctx,
		sink:    sink,
		buildID: buildID,
		stepID:  stepID,
		backoff: wait.Backoff{Duration: 50 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: 5},
		next:    next,
	}, nil
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	content := string(p)
	backoff := w.backoff
	for {
		err := w.sink.AppendChunk(w.ctx, w.buildID, w.stepID, w.next, content)
		if err == nil {
			w.next++
			return len(p), nil
		}
		// 同 index 同内容的重放由 sink 视为成功；冲突、参数错误与 build 不存在重试也无用。
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
			return 0, err
		}
		if backoff.Steps <= 1 {
			return 0, fmt.Errorf("append log chunk %d: %w", w.next, err)
		}
		delay := backoff.Step()
		select {
		case <-w.ctx.Done():
			return 0, w.ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Printf 写一行协调器自身的日志，失败只记录不返回。
func (w *chunkWriter) Printf(format string, args ...any) {
	if _, err := fmt.Fprintf(w, format+"\n", args...); err != nil {
		slog.Warn("failed to append build log", "build_id", w.buildID, "error", err)
	}
}
