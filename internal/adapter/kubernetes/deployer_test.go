package kubernetes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakeclient "k8s.io/client-go/kubernetes/fake"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

func TestDetectPodFailure(t *testing.T) {
	labels := map[string]string{labelApp: "myapp", labelEnvironment: "prod"}

	tests := []struct {
		name       string
		pods       []runtime.Object
		wantFail   bool
		wantReason string
	}{
		{
			name:     "healthy pods",
			pods:     []runtime.Object{makePod("myapp-abc", labels, nil)},
			wantFail: false,
		},
		{
			name: "CrashLoopBackOff detected",
			pods: []runtime.Object{makePod("myapp-abc", labels, &corev1.ContainerStatus{
				Name: "myapp",
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{
						Reason:  "CrashLoopBackOff",
						Message: "back-off 5m0s restarting failed container",
					},
				},
			})},
			wantFail:   true,
			wantReason: "CrashLoopBackOff",
		},
		{
			name: "ImagePullBackOff detected",
			pods: []runtime.Object{makePod("myapp-abc", labels, &corev1.ContainerStatus{
				Name: "myapp",
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{
						Reason:  "ImagePullBackOff",
						Message: "repository does not exist",
					},
				},
			})},
			wantFail:   true,
			wantReason: "failed to pull image",
		},
		{
			name:       "init container CrashLoopBackOff",
			pods:       []runtime.Object{makeInitCrashPod("myapp-abc", labels)},
			wantFail:   true,
			wantReason: "init container",
		},
		{
			name:     "pods of another environment are ignored",
			pods:     []runtime.Object{makeInitCrashPod("myapp-abc", map[string]string{labelApp: "myapp", labelEnvironment: "dev"})},
			wantFail: false,
		},
		{
			name:     "no pods",
			pods:     nil,
			wantFail: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fakeclient.NewSimpleClientset(tt.pods...)
			deployer := NewK8sDeployer(client, DeployerConfig{NamespacePrefix: "paastel-"})

			deploy := &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Namespace: "paastel-prod"},
				Spec: appsv1.DeploymentSpec{
					Selector: &metav1.LabelSelector{MatchLabels: labels},
				},
			}

			reason, failed := deployer.detectPodFailure(context.Background(), deploy)
			if failed != tt.wantFail {
				t.Errorf("detectPodFailure() failed = %v, want %v (reason: %s)", failed, tt.wantFail, reason)
			}
			if tt.wantFail && !strings.Contains(reason, tt.wantReason) {
				t.Errorf("reason %q does not contain %q", reason, tt.wantReason)
			}
		})
	}
}

func deployRequest() port.DeployRequest {
	return port.DeployRequest{
		DeployID:    42,
		AppSlug:     "myapp",
		Environment: "prod",
		Version:     "v1.2.0",
		ImageRef:    "registry.example.com/paastel/myapp@" + testDigest,
		Target:      domain.DeployTarget{Cluster: "eu-1", Region: "eu-west-1"},
	}
}

func newTestDeployer(client *fakeclient.Clientset) *K8sDeployer {
	d := NewK8sDeployer(client, DeployerConfig{NamespacePrefix: "paastel-", ClusterName: "eu-1"})
	d.rolloutInterval = 5 * time.Millisecond
	d.rolloutTimeout = 5 * time.Second
	return d
}

func waitForDeployment(t *testing.T, client *fakeclient.Clientset) *appsv1.Deployment {
	t.Helper()
	for i := 0; i < 400; i++ {
		d, err := client.AppsV1().Deployments("paastel-prod").Get(context.Background(), "myapp", metav1.GetOptions{})
		if err == nil {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("deployment was never created")
	return nil
}

func TestDeploy_RolloutComplete(t *testing.T) {
	client := fakeclient.NewSimpleClientset()
	d := newTestDeployer(client)

	go func() {
		deploy := waitForDeployment(t, client)
		if deploy == nil {
			return
		}
		deploy.Status.UpdatedReplicas = 1
		deploy.Status.AvailableReplicas = 1
		if _, err := client.AppsV1().Deployments("paastel-prod").Update(context.Background(), deploy, metav1.UpdateOptions{}); err != nil {
			t.Errorf("update status: %v", err)
		}
	}()

	res, err := d.Deploy(context.Background(), deployRequest())
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !strings.Contains(res.PipelineURL, "paastel-prod") {
		t.Errorf("PipelineURL = %q", res.PipelineURL)
	}

	if _, err := client.CoreV1().Namespaces().Get(context.Background(), "paastel-prod", metav1.GetOptions{}); err != nil {
		t.Errorf("namespace should be created: %v", err)
	}
	deploy, _ := client.AppsV1().Deployments("paastel-prod").Get(context.Background(), "myapp", metav1.GetOptions{})
	if deploy.Annotations[annotationDeployID] != "42" || deploy.Annotations[annotationVersion] != "v1.2.0" {
		t.Errorf("annotations = %v", deploy.Annotations)
	}
	if got := deploy.Spec.Template.Spec.NodeSelector[regionNodeLabel]; got != "eu-west-1" {
		t.Errorf("region node selector = %q", got)
	}
	if got := deploy.Spec.Template.Spec.Containers[0].Image; got != deployRequest().ImageRef {
		t.Errorf("image = %q", got)
	}
}

func TestDeploy_CancelPausesRollout(t *testing.T) {
	client := fakeclient.NewSimpleClientset()
	d := newTestDeployer(client)
	req := deployRequest()

	go func() {
		if waitForDeployment(t, client) == nil {
			return
		}
		if err := d.Cancel(context.Background(), req); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}()

	_, err := d.Deploy(context.Background(), req)
	if !errors.Is(err, domain.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestCancel_IgnoresNewerDeploy(t *testing.T) {
	req := deployRequest()
	existing := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "myapp",
			Namespace:   "paastel-prod",
			Annotations: map[string]string{annotationDeployID: "43"},
		},
	}
	client := fakeclient.NewSimpleClientset(existing)
	d := newTestDeployer(client)

	if err := d.Cancel(context.Background(), req); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, _ := client.AppsV1().Deployments("paastel-prod").Get(context.Background(), "myapp", metav1.GetOptions{})
	if got.Spec.Paused {
		t.Error("a deployment owned by a newer deploy must not be paused")
	}
}

func TestDeploy_UnknownCluster(t *testing.T) {
	d := newTestDeployer(fakeclient.NewSimpleClientset())
	req := deployRequest()
	req.Target.Cluster = "us-1"

	_, err := d.Deploy(context.Background(), req)
	se := port.AsStepError(err)
	if se == nil || se.Retryable {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func makePod(name string, labels map[string]string, cs *corev1.ContainerStatus) *corev1.Pod {
	podLabels := make(map[string]string)
	for k, v := range labels {
		podLabels[k] = v
	}
	podLabels["pod-template-hash"] = "abc123"

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "paastel-prod",
			Labels:    podLabels,
		},
	}
	if cs != nil {
		pod.Status.ContainerStatuses = []corev1.ContainerStatus{*cs}
	}
	return pod
}

func makeInitCrashPod(name string, labels map[string]string) *corev1.Pod {
	pod := makePod(name, labels, nil)
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{
		{
			Name: "init",
			State: corev1.ContainerState{
				Waiting: &corev1.ContainerStateWaiting{
					Reason:  "CrashLoopBackOff",
					Message: "init container crashed",
				},
			},
		},
	}
	return pod
}
