package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/paastel-io/paastel/internal/port"
)

var _ port.StepExecutor = (*DelegateExecutor)(nil)

// 外部 CI 报告的作业状态。
const (
	jobQueued    = "queued"
	jobRunning   = "running"
	jobSucceeded = "succeeded"
	jobFailed    = "failed"
	jobCanceled  = "canceled"
)

// DelegateExecutor 把步骤委托给外部 CI 服务：提交作业、轮询状态并增量拉取日志。
type DelegateExecutor struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewDelegateExecutor(baseURL, token string) *DelegateExecutor {
	return &DelegateExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 3 * time.Second,
	}
}

type submitRequest struct {
	Name           string            `json:"name"`
	Image          string            `json:"image,omitempty"`
	Command        []string          `json:"command"`
	WorkDir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty"`
	ProducesImage  bool              `json:"produces_image,omitempty"`
}

type jobStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	URL      string `json:"url,omitempty"`
}

func (e *DelegateExecutor) Execute(ctx context.Context, req port.StepRequest, logs io.Writer) (port.StepOutput, error) {
	job, err := e.submit(ctx, req)
	if err != nil {
		return port.StepOutput{}, err
	}
	slog.Info("ci job submitted", "build_id", req.BuildID, "step", req.Name, "ci_job", job.ID, "url", job.URL)

	offset := 0
	var last jobStatus
	err = wait.PollUntilContextCancel(ctx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
		n, err := e.copyLogs(ctx, job.ID, offset, logs)
		if err != nil {
			slog.Warn("ci log fetch failed", "ci_job", job.ID, "error", err)
		}
		offset += n

		st, err := e.status(ctx, job.ID)
		if err != nil {
			return false, err
		}
		last = st
		switch st.Status {
		case jobQueued, jobRunning:
			return false, nil
		default:
			return true, nil
		}
	})
	if ctx.Err() != nil {
		e.cancel(job.ID)
		return port.StepOutput{}, ctx.Err()
	}
	if err != nil {
		return port.StepOutput{}, err
	}
	// 作业结束后补齐最后一段日志。
	if _, err := e.copyLogs(ctx, job.ID, offset, logs); err != nil {
		slog.Warn("ci log fetch failed", "ci_job", job.ID, "error", err)
	}

	switch last.Status {
	case jobSucceeded:
		out := port.StepOutput{}
		if req.Spec.ProducesImage {
			out.ImageRef = last.ImageRef
			if out.ImageRef == "" {
				out.ImageRef = req.TargetImage
			}
		}
		return out, nil
	case jobFailed, jobCanceled:
		msg := last.Message
		if msg == "" {
			msg = "ci job " + last.Status
		}
		return port.StepOutput{}, port.Permanent(msg)
	default:
		return port.StepOutput{}, port.Permanent(fmt.Sprintf("ci job reported unknown status %q", last.Status))
	}
}

func (e *DelegateExecutor) submit(ctx context.Context, req port.StepRequest) (jobStatus, error) {
	body, err := json.Marshal(submitRequest{
		Name:           fmt.Sprintf("paastel-b%d-s%d-a%d", req.BuildID, req.StepID, req.Attempt),
		Image:          req.Spec.Image,
		Command:        req.Spec.Command,
		WorkDir:        req.Spec.WorkDir,
		Env:            req.Env(),
		TimeoutSeconds: int64(req.Spec.Timeout.Seconds()),
		ProducesImage:  req.Spec.ProducesImage,
	})
	if err != nil {
		return jobStatus{}, port.Permanent(fmt.Sprintf("ci: encode job: %v", err))
	}
	httpReq, err := e.newRequest(ctx, http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return jobStatus{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 同一次尝试重复提交时由 CI 端去重。
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%d-%d-%d", req.BuildID, req.StepID, req.Attempt))

	var st jobStatus
	if err := e.do(httpReq, &st); err != nil {
		return jobStatus{}, err
	}
	if st.ID == "" {
		return jobStatus{}, port.Retryable("ci: submit returned no job id")
	}
	return st, nil
}

func (e *DelegateExecutor) status(ctx context.Context, id string) (jobStatus, error) {
	httpReq, err := e.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil)
	if err != nil {
		return jobStatus{}, err
	}
	var st jobStatus
	err = e.do(httpReq, &st)
	return st, err
}

// copyLogs 从 offset 起拉取新增日志并写入 logs，返回写入的字节数。
func (e *DelegateExecutor) copyLogs(ctx context.Context, id string, offset int, logs io.Writer) (int, error) {
	httpReq, err := e.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+id+"/logs?offset="+strconv.Itoa(offset), nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ci: logs unexpected status %d", resp.StatusCode)
	}
	n, err := io.Copy(logs, resp.Body)
	return int(n), err
}

func (e *DelegateExecutor) cancel(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := e.newRequest(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	if err != nil {
		return
	}
	if err := e.do(httpReq, nil); err != nil {
		slog.Warn("ci job cancel failed", "ci_job", id, "error", err)
	}
}

func (e *DelegateExecutor) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, port.Permanent(fmt.Sprintf("ci: build request: %v", err))
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	return req, nil
}

// do 发送请求并解码 JSON 响应。网络错误和 5xx、429 可重试，其余 4xx 不可重试。
func (e *DelegateExecutor) do(req *http.Request, out any) error {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return port.Retryable(fmt.Sprintf("ci: request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		text := fmt.Sprintf("ci: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return port.Retryable(text)
		}
		return port.Permanent(text)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return port.Retryable(fmt.Sprintf("ci: decode response: %v", err))
	}
	return nil
}
