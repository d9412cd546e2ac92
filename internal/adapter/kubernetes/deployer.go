package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

var _ port.DeployBackend = (*K8sDeployer)(nil)

const (
	labelApp         = "app.kubernetes.io/name"
	labelEnvironment = "paastel.io/environment"

	annotationDeployID = "paastel.io/deploy-id"
	annotationVersion  = "paastel.io/version"

	regionNodeLabel = "topology.kubernetes.io/region"
)

// K8sDeployer 把 Release 镜像滚动发布为 namespace <prefix><environment> 下的 Deployment。
type K8sDeployer struct {
	client          kubernetes.Interface
	namespacePrefix string
	clusterName     string
	rolloutTimeout  time.Duration
	rolloutInterval time.Duration
}

type DeployerConfig struct {
	NamespacePrefix string
	// ClusterName 为空时接受任意 target_cluster。
	ClusterName string
}

func NewK8sDeployer(client kubernetes.Interface, cfg DeployerConfig) *K8sDeployer {
	return &K8sDeployer{
		client:          client,
		namespacePrefix: cfg.NamespacePrefix,
		clusterName:     cfg.ClusterName,
		rolloutTimeout:  5 * time.Minute,
		rolloutInterval: 3 * time.Second,
	}
}

func (d *K8sDeployer) namespace(env string) string {
	return d.namespacePrefix + env
}

func (d *K8sDeployer) Deploy(ctx context.Context, req port.DeployRequest) (port.DeployResult, error) {
	if d.clusterName != "" && req.Target.Cluster != "" && req.Target.Cluster != d.clusterName {
		return port.DeployResult{}, port.Permanent(fmt.Sprintf("target cluster %q is not served by this backend (%s)", req.Target.Cluster, d.clusterName))
	}
	ns := d.namespace(req.Environment)
	result := port.DeployResult{
		PipelineURL: fmt.Sprintf("kubernetes:///namespaces/%s/deployments/%s", ns, req.AppSlug),
	}
	if err := d.ensureNamespace(ctx, ns); err != nil {
		return result, classify(fmt.Errorf("ensure namespace: %w", err))
	}
	if err := d.applyDeployment(ctx, ns, req); err != nil {
		return result, classify(fmt.Errorf("apply deployment: %w", err))
	}
	if err := d.waitForRollout(ctx, ns, req); err != nil {
		return result, err
	}
	return result, nil
}

// Cancel 暂停仍属于该部署的 Deployment；正在等待的 Deploy 观察到暂停后以 ErrCanceled 结束。
func (d *K8sDeployer) Cancel(ctx context.Context, req port.DeployRequest) error {
	ns := d.namespace(req.Environment)
	deploy, err := d.client.AppsV1().Deployments(ns).Get(ctx, req.AppSlug, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if deploy.Annotations[annotationDeployID] != strconv.FormatInt(req.DeployID, 10) {
		// 已被更新的部署接管，不影响它。
		return nil
	}
	deploy.Spec.Paused = true
	_, err = d.client.AppsV1().Deployments(ns).Update(ctx, deploy, metav1.UpdateOptions{})
	if err == nil {
		slog.Info("deployment paused", "namespace", ns, "name", req.AppSlug, "deploy_id", req.DeployID)
	}
	return err
}

func (d *K8sDeployer) ensureNamespace(ctx context.Context, ns string) error {
	_, err := d.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	_, err = d.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns},
	}, metav1.CreateOptions{})
	if errors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (d *K8sDeployer) applyDeployment(ctx context.Context, ns string, req port.DeployRequest) error {
	podLabels := map[string]string{
		labelApp:         req.AppSlug,
		labelEnvironment: req.Environment,
	}
	annotations := map[string]string{
		annotationDeployID: strconv.FormatInt(req.DeployID, 10),
		annotationVersion:  req.Version,
	}
	replicas := int32(1)
	revisionHistoryLimit := int32(5)

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:  req.AppSlug,
				Image: req.ImageRef,
				Env: envsToK8s(map[string]string{
					"PAASTEL_APP":         req.AppSlug,
					"PAASTEL_ENVIRONMENT": req.Environment,
					"PAASTEL_VERSION":     req.Version,
				}),
			},
		},
	}
	if req.Target.Region != "" {
		podSpec.NodeSelector = map[string]string{regionNodeLabel: req.Target.Region}
	}

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        req.AppSlug,
			Namespace:   ns,
			Labels:      podLabels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: &revisionHistoryLimit,
			Selector:             &metav1.LabelSelector{MatchLabels: podLabels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels, Annotations: annotations},
				Spec:       podSpec,
			},
		},
	}

	existing, err := d.client.AppsV1().Deployments(ns).Get(ctx, req.AppSlug, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = d.client.AppsV1().Deployments(ns).Create(ctx, deploy, metav1.CreateOptions{})
		return err
	}
	if err != nil {
		return err
	}
	// 保留手动或 HPA 调整过的副本数。
	if existing.Spec.Replicas != nil {
		deploy.Spec.Replicas = existing.Spec.Replicas
	}
	existing.Annotations = annotations
	existing.Spec = deploy.Spec
	_, err = d.client.AppsV1().Deployments(ns).Update(ctx, existing, metav1.UpdateOptions{})
	return err
}

func envsToK8s(envs map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]corev1.EnvVar, 0, len(envs))
	for _, k := range keys {
		result = append(result, corev1.EnvVar{Name: k, Value: envs[k]})
	}
	return result
}

// waitForRollout 轮询 Deployment 直到所有副本就绪、被暂停（取消）、失败或超时。
func (d *K8sDeployer) waitForRollout(ctx context.Context, ns string, req port.DeployRequest) error {
	name := req.AppSlug
	timeout, cancel := context.WithTimeout(ctx, d.rolloutTimeout)
	defer cancel()

	ticker := time.NewTicker(d.rolloutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return port.Permanent(fmt.Sprintf("deployment %s rollout timed out after %s", name, d.rolloutTimeout))
		case <-ticker.C:
			deploy, err := d.client.AppsV1().Deployments(ns).Get(timeout, name, metav1.GetOptions{})
			if err != nil {
				if timeout.Err() != nil {
					continue
				}
				return classify(fmt.Errorf("get deployment %s: %w", name, err))
			}
			if deploy.Annotations[annotationDeployID] != strconv.FormatInt(req.DeployID, 10) {
				return port.Permanent(fmt.Sprintf("deployment %s was superseded by another deploy", name))
			}
			if deploy.Spec.Paused {
				return fmt.Errorf("deployment %s paused: %w", name, domain.ErrCanceled)
			}

			// Progressing condition 为 False 表示部署卡住
			for _, cond := range deploy.Status.Conditions {
				if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
					return port.Permanent(fmt.Sprintf("deployment %s is not progressing: %s", name, cond.Message))
				}
			}
			if reason, failed := d.detectPodFailure(timeout, deploy); failed {
				return port.Permanent(fmt.Sprintf("deployment %s: %s", name, reason))
			}

			spec := deploy.Spec
			status := deploy.Status
			if status.ObservedGeneration >= deploy.Generation &&
				status.UpdatedReplicas == *spec.Replicas &&
				status.AvailableReplicas == *spec.Replicas {
				slog.Info("deployment rollout complete", "namespace", ns, "name", name, "version", req.Version)
				return nil
			}
		}
	}
}

// detectPodFailure 检查 Deployment 选中的 Pod 是否处于不会自愈的等待状态。
func (d *K8sDeployer) detectPodFailure(ctx context.Context, deploy *appsv1.Deployment) (string, bool) {
	if deploy.Spec.Selector == nil {
		return "", false
	}
	selector := labels.SelectorFromSet(deploy.Spec.Selector.MatchLabels)
	pods, err := d.client.CoreV1().Pods(deploy.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return "", false
	}
	for i := range pods.Items {
		if reason, failed := waitingFailure(&pods.Items[i]); failed {
			return reason, true
		}
	}
	return "", false
}

// waitingFailure 识别 CrashLoopBackOff、拉取镜像失败等需要人工介入的容器状态。
func waitingFailure(pod *corev1.Pod) (string, bool) {
	for _, cs := range pod.Status.InitContainerStatuses {
		if w := cs.State.Waiting; w != nil && w.Reason == "CrashLoopBackOff" {
			return fmt.Sprintf("init container %s crash looping: %s", cs.Name, w.Message), true
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		w := cs.State.Waiting
		if w == nil {
			continue
		}
		switch w.Reason {
		case "CrashLoopBackOff":
			return fmt.Sprintf("container %s CrashLoopBackOff: %s", cs.Name, w.Message), true
		case "ImagePullBackOff", "ErrImagePull", "InvalidImageName":
			return fmt.Sprintf("container %s failed to pull image: %s", cs.Name, w.Message), true
		case "CreateContainerConfigError":
			return fmt.Sprintf("container %s config error: %s", cs.Name, w.Message), true
		}
	}
	return "", false
}
