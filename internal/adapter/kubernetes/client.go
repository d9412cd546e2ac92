package kubernetes

import (
	"fmt"
	"log/slog"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset 优先使用 kubeconfig，未配置时退回 in-cluster 配置。
// 每个在途步骤都会轮询 Job 与 Pod，默认的 QPS 偏低，这里适当放宽。
func NewClientset(kubeconfigPath string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error

	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	cfg.QPS = 50
	cfg.Burst = 100
	cfg.UserAgent = "paastel-engine"

	return kubernetes.NewForConfig(cfg)
}

// Ping 通过 discovery 接口确认 API server 可达，启动时用来决定是否注册 kubernetes 后端。
func Ping(client kubernetes.Interface) error {
	info, err := client.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("kubernetes api unreachable: %w", err)
	}
	slog.Info("connected to kubernetes", "version", info.GitVersion, "platform", info.Platform)
	return nil
}
