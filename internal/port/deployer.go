package port

import (
	"context"

	"github.com/paastel-io/paastel/internal/domain"
)

type DeployRequest struct {
	DeployID    int64
	AppSlug     string
	Environment string
	Version     string
	ImageRef    string
	Target      domain.DeployTarget
}

type DeployResult struct {
	PipelineURL string
	LogsURL     string
}

// DeployBackend 把一次 Deploy 当作单个长时间运行的操作。
// 失败时返回 *StepError 以携带 Retryable 分类。
type DeployBackend interface {
	Deploy(ctx context.Context, req DeployRequest) (DeployResult, error)
	// Cancel 尽力通知后端停止该 Deploy，可被任意进程调用。
	Cancel(ctx context.Context, req DeployRequest) error
}
