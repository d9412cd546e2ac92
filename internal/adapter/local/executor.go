package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

var (
	_ port.StepExecutor     = (*ProcessExecutor)(nil)
	_ port.WorkspaceCleaner = (*ProcessExecutor)(nil)
)

// ProcessExecutor 在本机以子进程运行步骤，用于单机部署与开发环境。
// 同一构建的步骤共享 <workRoot>/build-<id> 工作目录。
type ProcessExecutor struct {
	workRoot string
}

func NewProcessExecutor(workRoot string) *ProcessExecutor {
	return &ProcessExecutor{workRoot: workRoot}
}

// Workspace 返回构建的共享工作目录。
func (e *ProcessExecutor) Workspace(buildID int64) string {
	return filepath.Join(e.workRoot, "build-"+strconv.FormatInt(buildID, 10))
}

func (e *ProcessExecutor) Execute(ctx context.Context, req port.StepRequest, logs io.Writer) (port.StepOutput, error) {
	if len(req.Spec.Command) == 0 {
		return port.StepOutput{}, port.Permanent(fmt.Sprintf("step %q has no command", req.Name))
	}
	if err := domain.ValidateWorkDir(req.Spec.WorkDir); err != nil {
		return port.StepOutput{}, port.Permanent(err.Error())
	}
	workspace := e.Workspace(req.BuildID)
	dir := filepath.Join(workspace, req.Spec.WorkDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return port.StepOutput{}, port.Retryable(fmt.Sprintf("prepare workspace: %v", err))
	}

	cmd := exec.CommandContext(ctx, req.Spec.Command[0], req.Spec.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	env := req.Env()
	env["PAASTEL_WORKSPACE"] = workspace
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	// 同一个 writer 同时作为 stdout 和 stderr 时，os/exec 保证串行写入。
	cmd.Stdout = logs
	cmd.Stderr = logs

	slog.Debug("running local step", "build_id", req.BuildID, "step", req.Name, "dir", dir)
	err := cmd.Run()
	if ctx.Err() != nil {
		return port.StepOutput{}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return port.StepOutput{}, port.Permanent(fmt.Sprintf("exit code %d", exitErr.ExitCode()))
		}
		return port.StepOutput{}, port.Permanent(err.Error())
	}
	if req.Spec.ProducesImage {
		return port.StepOutput{ImageRef: req.TargetImage}, nil
	}
	return port.StepOutput{}, nil
}

// Cleanup 删除构建的工作目录，构建终结后由调用方决定是否保留。
func (e *ProcessExecutor) Cleanup(buildID int64) error {
	return os.RemoveAll(e.Workspace(buildID))
}
