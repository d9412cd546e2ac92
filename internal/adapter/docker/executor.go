package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/paastel-io/paastel/internal/port"
)

var (
	_ port.StepExecutor     = (*ContainerExecutor)(nil)
	_ port.WorkspaceCleaner = (*ContainerExecutor)(nil)
)

const workspaceDir = "/workspace"

// dockerAPI 是执行器用到的 Docker Engine API 子集。
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ContainerExecutor 在 Docker 容器中运行步骤，同一构建的步骤挂载同一个宿主机工作目录。
type ContainerExecutor struct {
	cli      dockerAPI
	workRoot string
}

// NewClient 连接 host 指定的 Docker daemon，为空时使用环境变量（DOCKER_HOST 等）。
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

func NewContainerExecutor(cli dockerAPI, workRoot string) *ContainerExecutor {
	return &ContainerExecutor{cli: cli, workRoot: workRoot}
}

func (e *ContainerExecutor) workspace(buildID int64) string {
	return filepath.Join(e.workRoot, "build-"+strconv.FormatInt(buildID, 10))
}

// Cleanup 删除构建的宿主机工作目录。
func (e *ContainerExecutor) Cleanup(buildID int64) error {
	return os.RemoveAll(e.workspace(buildID))
}

func (e *ContainerExecutor) Execute(ctx context.Context, req port.StepRequest, logs io.Writer) (port.StepOutput, error) {
	if req.Spec.Image == "" {
		return port.StepOutput{}, port.Permanent(fmt.Sprintf("step %q has no image", req.Name))
	}
	host := e.workspace(req.BuildID)
	if err := os.MkdirAll(host, 0o755); err != nil {
		return port.StepOutput{}, port.Retryable(fmt.Sprintf("prepare workspace: %v", err))
	}

	if err := e.pull(ctx, req.Spec.Image, logs); err != nil {
		return port.StepOutput{}, err
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      req.Spec.Image,
			Cmd:        req.Spec.Command,
			Env:        envList(req.Env()),
			WorkingDir: path.Join(workspaceDir, req.Spec.WorkDir),
			Labels: map[string]string{
				"paastel.io/build-id": strconv.FormatInt(req.BuildID, 10),
				"paastel.io/step-id":  strconv.FormatInt(req.StepID, 10),
			},
		},
		&container.HostConfig{
			Binds: []string{host + ":" + workspaceDir},
		},
		nil, nil, fmt.Sprintf("paastel-b%d-s%d-a%d", req.BuildID, req.StepID, req.Attempt),
	)
	if err != nil {
		return port.StepOutput{}, classify("create container", err)
	}
	containerID := resp.ID
	// 取消时 ctx 已失效，删除容器使用独立的超时。
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove step container", "container_id", containerID, "error", err)
		}
	}()

	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return port.StepOutput{}, classify("start container", err)
	}

	out, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err == nil {
		if _, err := stdcopy.StdCopy(logs, logs, out); err != nil && ctx.Err() == nil {
			slog.Warn("step log stream interrupted", "container_id", containerID, "error", err)
		}
		out.Close()
	} else if ctx.Err() == nil {
		slog.Warn("failed to attach step logs", "container_id", containerID, "error", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return port.StepOutput{}, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return port.StepOutput{}, ctx.Err()
		}
		return port.StepOutput{}, classify("wait container", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return port.StepOutput{}, port.Permanent(status.Error.Message)
		}
		if status.StatusCode != 0 {
			return port.StepOutput{}, port.Permanent(fmt.Sprintf("exit code %d", status.StatusCode))
		}
	}

	if req.Spec.ProducesImage {
		return port.StepOutput{ImageRef: req.TargetImage}, nil
	}
	return port.StepOutput{}, nil
}

func (e *ContainerExecutor) pull(ctx context.Context, ref string, logs io.Writer) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull "+ref, err)
	}
	defer rc.Close()
	fmt.Fprintf(logs, "pulling %s\n", ref)
	// 拉取进度是 JSON 流，只需读完以等待拉取结束。
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return port.Retryable(fmt.Sprintf("pull %s: %v", ref, err))
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// classify 把镜像或容器不存在、参数非法视为不可重试，其余（daemon 不可用等）可重试。
func classify(op string, err error) error {
	msg := fmt.Sprintf("%s: %v", op, err)
	if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) || errdefs.IsForbidden(err) || errdefs.IsUnauthorized(err) {
		return port.Permanent(msg)
	}
	return port.Retryable(msg)
}
