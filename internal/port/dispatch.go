package port

import (
	"context"

	"github.com/paastel-io/paastel/internal/domain"
)

// Dispatcher 把已创建的 build / deploy 交给某个 worker 执行。
type Dispatcher interface {
	DispatchBuild(ctx context.Context, buildID int64, releaseVersion string) error
	DispatchDeploy(ctx context.Context, deployID int64) error
}

const (
	ActionBuild   = "build"
	ActionRelease = "release"
	ActionDeploy  = "deploy"
	ActionCancel  = "cancel"
	ActionAdmin   = "admin"
)

// Authorizer 是身份与成员关系协作方给出的能力判断，核心只关心允许与否。
type Authorizer interface {
	Allowed(ctx context.Context, actor *int64, appID int64, action string) (bool, error)
}

// SourceResolver 把 branch / tag 解析为具体的 commit。
type SourceResolver interface {
	Resolve(ctx context.Context, repoURL string, ref domain.SourceRef) (domain.SourceRef, error)
}
