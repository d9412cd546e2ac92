package port

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/paastel-io/paastel/internal/domain"
)

// StepSpec 描述一个步骤在后端上如何运行，来自流水线定义。
type StepSpec struct {
	Image         string
	Command       []string
	WorkDir       string
	Env           map[string]string
	Timeout       time.Duration
	ProducesImage bool
}

// StepRequest 是交给 StepExecutor 的一次步骤执行。
type StepRequest struct {
	BuildID     int64
	StepID      int64
	Position    int
	Name        string
	Attempt     int
	AppSlug     string
	RepoURL     string
	Source      domain.SourceRef
	TargetImage string
	Spec        StepSpec
}

// Env 返回注入到每个步骤中的 PAASTEL_* 环境变量，流水线定义中的 env 可覆盖。
func (r StepRequest) Env() map[string]string {
	env := map[string]string{
		"PAASTEL_BUILD_ID":     strconv.FormatInt(r.BuildID, 10),
		"PAASTEL_STEP":         r.Name,
		"PAASTEL_ATTEMPT":      strconv.Itoa(r.Attempt),
		"PAASTEL_APP":          r.AppSlug,
		"PAASTEL_REPO_URL":     r.RepoURL,
		"PAASTEL_SOURCE_REF":   r.Source.Ref(),
		"PAASTEL_COMMIT_SHA":   r.Source.CommitSHA,
		"PAASTEL_TARGET_IMAGE": r.TargetImage,
		"PAASTEL_GIT_CONTEXT":  r.GitContext(),
	}
	for k, v := range r.Spec.Env {
		env[k] = v
	}
	return env
}

// GitContext 把仓库地址和源码引用拼成 kaniko 可用的 git 上下文（git://host/repo#ref）。
func (r StepRequest) GitContext() string {
	if r.RepoURL == "" {
		return ""
	}
	gitContext := r.RepoURL
	if strings.HasPrefix(gitContext, "https://") || strings.HasPrefix(gitContext, "http://") {
		gitContext = "git://" + strings.TrimPrefix(strings.TrimPrefix(gitContext, "https://"), "http://")
	}
	ref := r.Source.Ref()
	switch {
	case ref == "" || strings.HasPrefix(ref, "refs/") || isCommitHash(ref):
		// commit hash 直接使用
	case r.Source.Tag != "" && ref == r.Source.Tag:
		ref = "refs/tags/" + ref
	case looksLikeTag(ref):
		ref = "refs/tags/" + ref
	default:
		ref = "refs/heads/" + ref
	}
	if ref == "" {
		return gitContext
	}
	return gitContext + "#" + ref
}

func isCommitHash(ref string) bool {
	if len(ref) < 7 || len(ref) > 40 {
		return false
	}
	for _, c := range ref {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func looksLikeTag(ref string) bool {
	return strings.HasPrefix(ref, "v") && len(ref) > 1 && ref[1] >= '0' && ref[1] <= '9'
}

type StepOutput struct {
	// ImageRef 非空表示该步骤产出了可部署镜像。
	ImageRef string
}

// StepError 是执行器失败的统一表示，Retryable 决定协调器是否重试。
type StepError struct {
	Message   string
	Retryable bool
}

func (e *StepError) Error() string { return e.Message }

func Retryable(msg string) error { return &StepError{Message: msg, Retryable: true} }

func Permanent(msg string) error { return &StepError{Message: msg} }

// AsStepError 把任意错误归类为 StepError；未知错误一律视为不可重试。
func AsStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Message: err.Error(), Retryable: errors.Is(err, domain.ErrRetryable)}
}

// StepExecutor 运行一个构建步骤。日志必须边产生边写入 logs，不能整体缓冲。
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest, logs io.Writer) (StepOutput, error)
}

// WorkspaceCleaner 由在宿主机上保留构建工作目录的执行器实现，构建结束后调用。
type WorkspaceCleaner interface {
	Cleanup(buildID int64) error
}

// LogQuerier 查询历史构建日志（如 Loki）。
type LogQuerier interface {
	QueryBuildLogs(ctx context.Context, namespace string, buildID int64, start, end time.Time) (string, error)
}
