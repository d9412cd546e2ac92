package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/paastel-io/paastel/internal/port"
)

var _ port.StepExecutor = (*JobStepExecutor)(nil)

const (
	labelBuildID = "paastel.io/build-id"
	labelStepID  = "paastel.io/step-id"

	stepContainer = "step"
	workspaceDir  = "/workspace"
)

// JobStepExecutor 把每个构建步骤的每次尝试作为一个 K8s Job 运行，
// 实时转发 Pod 日志，并根据 Job 的终止条件判定成功或失败。
type JobStepExecutor struct {
	client         kubernetes.Interface
	namespace      string
	registrySecret string
	httpProxy      string
	noProxy        string
	pollInterval   time.Duration
}

type JobExecutorConfig struct {
	Namespace      string
	RegistrySecret string
	HttpProxy      string
	NoProxy        []string
}

func NewJobStepExecutor(client kubernetes.Interface, cfg JobExecutorConfig) *JobStepExecutor {
	return &JobStepExecutor{
		client:         client,
		namespace:      cfg.Namespace,
		registrySecret: cfg.RegistrySecret,
		httpProxy:      cfg.HttpProxy,
		noProxy:        strings.Join(cfg.NoProxy, ","),
		pollInterval:   2 * time.Second,
	}
}

func jobName(req port.StepRequest) string {
	return fmt.Sprintf("paastel-b%d-s%d-a%d", req.BuildID, req.StepID, req.Attempt)
}

func (e *JobStepExecutor) Execute(ctx context.Context, req port.StepRequest, logs io.Writer) (port.StepOutput, error) {
	if req.Spec.Image == "" {
		return port.StepOutput{}, port.Permanent(fmt.Sprintf("step %q has no image", req.Name))
	}
	job := e.newJob(req)
	if _, err := e.client.BatchV1().Jobs(e.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// 同一次尝试被重新投递，直接接管已有的 Job。
			slog.Info("step job already exists, attaching", "job", job.Name)
		} else {
			return port.StepOutput{}, classify(fmt.Errorf("create job %s: %w", job.Name, err))
		}
	}

	out, err := e.follow(ctx, job.Name, req, logs)
	if ctx.Err() != nil {
		e.deleteJob(job.Name)
		return port.StepOutput{}, ctx.Err()
	}
	return out, err
}

// follow 等待 Pod 启动后转发日志，再等待 Job 终结。
func (e *JobStepExecutor) follow(ctx context.Context, name string, req port.StepRequest, logs io.Writer) (port.StepOutput, error) {
	pod, err := e.waitForPod(ctx, name)
	if err != nil {
		return port.StepOutput{}, err
	}
	if err := e.streamLogs(ctx, pod.Name, logs); err != nil && ctx.Err() == nil {
		slog.Warn("step log stream interrupted", "job", name, "pod", pod.Name, "error", err)
	}

	var job *batchv1.Job
	err = wait.PollUntilContextCancel(ctx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
		j, err := e.client.BatchV1().Jobs(e.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		job = j
		done, _ := jobOutcome(j)
		return done, nil
	})
	if err != nil {
		return port.StepOutput{}, classify(fmt.Errorf("wait for job %s: %w", name, err))
	}

	_, failure := jobOutcome(job)
	termination := e.terminationMessage(ctx, name)
	if failure != "" {
		if termination != "" {
			failure = failure + ": " + termination
		}
		return port.StepOutput{}, port.Permanent(failure)
	}
	if !req.Spec.ProducesImage {
		return port.StepOutput{}, nil
	}
	return port.StepOutput{ImageRef: imageRef(req.TargetImage, termination)}, nil
}

func (e *JobStepExecutor) waitForPod(ctx context.Context, name string) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := wait.PollUntilContextCancel(ctx, e.pollInterval, true, func(ctx context.Context) (bool, error) {
		p, err := e.jobPod(ctx, name)
		if err != nil || p == nil {
			return false, err
		}
		if reason, failed := waitingFailure(p); failed {
			return false, port.Permanent(reason)
		}
		pod = p
		return p.Status.Phase != corev1.PodPending, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return pod, nil
}

func (e *JobStepExecutor) jobPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pods, err := e.client.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + name,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods for job %s: %w", name, err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	// BackoffLimit 为 0，正常只有一个 Pod；有多个时取最新的。
	sort.Slice(pods.Items, func(i, j int) bool {
		return pods.Items[j].CreationTimestamp.Before(&pods.Items[i].CreationTimestamp)
	})
	return &pods.Items[0], nil
}

func (e *JobStepExecutor) streamLogs(ctx context.Context, podName string, logs io.Writer) error {
	stream, err := e.client.CoreV1().Pods(e.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: stepContainer,
		Follow:    true,
	}).Stream(ctx)
	if err != nil {
		return fmt.Errorf("get pod logs %s: %w", podName, err)
	}
	defer stream.Close()

	buf := make([]byte, 32*1024)
	_, err = io.CopyBuffer(logs, stream, buf)
	return err
}

func (e *JobStepExecutor) terminationMessage(ctx context.Context, name string) string {
	pod, err := e.jobPod(ctx, name)
	if err != nil || pod == nil {
		return ""
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == stepContainer && cs.State.Terminated != nil {
			return strings.TrimSpace(cs.State.Terminated.Message)
		}
	}
	return ""
}

func (e *JobStepExecutor) deleteJob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	propagation := metav1.DeletePropagationForeground
	err := e.client.BatchV1().Jobs(e.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		slog.Warn("failed to delete step job", "job", name, "error", err)
	}
}

func (e *JobStepExecutor) newJob(req port.StepRequest) *batchv1.Job {
	ttl := int32(3600)
	backoff := int32(0)
	labels := map[string]string{
		labelBuildID: strconv.FormatInt(req.BuildID, 10),
		labelStepID:  strconv.FormatInt(req.StepID, 10),
	}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(req),
			Namespace: e.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       e.podSpec(req),
			},
		},
	}
	if req.Spec.Timeout > 0 {
		deadline := int64(req.Spec.Timeout.Seconds())
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job
}

func (e *JobStepExecutor) podSpec(req port.StepRequest) corev1.PodSpec {
	container := corev1.Container{
		Name:                     stepContainer,
		Image:                    req.Spec.Image,
		Command:                  req.Spec.Command,
		WorkingDir:               path.Join(workspaceDir, req.Spec.WorkDir),
		Env:                      envsToK8s(req.Env()),
		TerminationMessagePolicy: corev1.TerminationMessageReadFile,
		VolumeMounts:             []corev1.VolumeMount{{Name: "workspace", MountPath: workspaceDir}},
	}
	if e.httpProxy != "" {
		container.Env = append(container.Env,
			corev1.EnvVar{Name: "HTTP_PROXY", Value: e.httpProxy},
			corev1.EnvVar{Name: "HTTPS_PROXY", Value: e.httpProxy},
			corev1.EnvVar{Name: "http_proxy", Value: e.httpProxy},
			corev1.EnvVar{Name: "https_proxy", Value: e.httpProxy},
		)
		if e.noProxy != "" {
			container.Env = append(container.Env,
				corev1.EnvVar{Name: "NO_PROXY", Value: e.noProxy},
				corev1.EnvVar{Name: "no_proxy", Value: e.noProxy},
			)
		}
	}
	spec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Volumes: []corev1.Volume{
			{Name: "workspace", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		},
	}
	if e.registrySecret != "" && req.Spec.ProducesImage {
		volumeName := "docker-config"
		spec.Volumes = append(spec.Volumes, corev1.Volume{
			Name: volumeName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName: e.registrySecret,
					Items: []corev1.KeyToPath{
						{Key: ".dockerconfigjson", Path: "config.json"},
					},
				},
			},
		})
		container.VolumeMounts = append(container.VolumeMounts,
			corev1.VolumeMount{Name: volumeName, MountPath: "/kaniko/.docker", ReadOnly: true},
		)
		container.Env = append(container.Env, corev1.EnvVar{Name: "DOCKER_CONFIG", Value: "/kaniko/.docker"})
	}
	spec.Containers = []corev1.Container{container}
	return spec
}

// jobOutcome 返回 Job 是否已终结，以及失败时的原因。
func jobOutcome(job *batchv1.Job) (bool, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, ""
		case batchv1.JobFailed:
			msg := cond.Message
			if msg == "" {
				msg = cond.Reason
			}
			if msg == "" {
				msg = "job failed"
			}
			return true, msg
		}
	}
	return false, ""
}

// imageRef 优先使用 kaniko 写入 termination log 的 digest，得到不可变引用。
func imageRef(target, termination string) string {
	if !strings.HasPrefix(termination, "sha256:") {
		return target
	}
	repo := target
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	return repo + "@" + termination
}

// classify 把 API 访问错误视为可重试，权限或请求本身的问题不可重试；已分类的 StepError 原样返回。
func classify(err error) error {
	var se *port.StepError
	if errors.As(err, &se) {
		return se
	}
	if apierrors.IsForbidden(err) || apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) {
		return port.Permanent(err.Error())
	}
	return port.Retryable(err.Error())
}
