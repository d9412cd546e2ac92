package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/paastel-io/paastel/internal/adapter/ci"
	"github.com/paastel-io/paastel/internal/adapter/docker"
	"github.com/paastel-io/paastel/internal/adapter/git"
	"github.com/paastel-io/paastel/internal/adapter/kubernetes"
	"github.com/paastel-io/paastel/internal/adapter/local"
	"github.com/paastel-io/paastel/internal/adapter/loki"
	"github.com/paastel-io/paastel/internal/adapter/repository"
	"github.com/paastel-io/paastel/internal/config"
	"github.com/paastel-io/paastel/internal/pipeline"
	"github.com/paastel-io/paastel/internal/port"
	"github.com/paastel-io/paastel/internal/service"
)

// engine 持有一个进程内所有子命令共用的组件。
type engine struct {
	cfg        *config.Config
	runnerName string
	defaultOrg int64

	apps     *repository.AppRepo
	builds   *repository.BuildRepo
	releases *repository.ReleaseRepo
	deploys  *repository.DeployRepo
	logs     *repository.LogRepo

	buildCoord  *service.BuildCoordinator
	deployCoord *service.DeployCoordinator
	logQuerier  port.LogQuerier
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	db, err := repository.OpenDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	orgID, err := repository.NewOrganizationRepo(db).Ensure(ctx, cfg.DefaultOrg, cfg.DefaultOrg)
	if err != nil {
		return nil, fmt.Errorf("ensure default organization: %w", err)
	}

	e := &engine{
		cfg:        cfg,
		runnerName: runnerName(),
		defaultOrg: orgID,
		apps:       repository.NewAppRepo(db),
		builds:     repository.NewBuildRepo(db),
		releases:   repository.NewReleaseRepo(db),
		deploys:    repository.NewDeployRepo(db),
		logs:       repository.NewLogRepo(db),
	}

	// K8s 客户端（可选，无集群时降级运行）
	cs, k8sErr := kubernetes.NewClientset(cfg.KubeconfigPath)
	if k8sErr == nil {
		k8sErr = kubernetes.Ping(cs)
	}
	if k8sErr != nil {
		slog.Warn("k8s client unavailable, running without k8s integration", "error", k8sErr)
		cs = nil
	}

	pipelines, err := loadPipelines(cfg)
	if err != nil {
		return nil, err
	}

	var resolver port.SourceResolver = git.NewResolver(cfg.GitToken)
	if cfg.LokiURL != "" {
		e.logQuerier = loki.NewClient(cfg.LokiURL)
	}

	e.buildCoord = service.NewBuildCoordinator(service.BuildDeps{
		Apps:       e.apps,
		Builds:     e.builds,
		Releases:   e.releases,
		Logs:       e.logs,
		Executors:  registerExecutors(cfg, cs),
		Pipelines:  pipelines,
		Resolver:   resolver,
		Authorizer: service.AllowAll{},
	}, service.BuildOptions{
		MaxAttempts:       cfg.StepMaxAttempts,
		RetryBackoff:      cfg.StepRetryBackoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MarkAbandoned:     cfg.MarkAbandonedSteps,
		RegistryBase:      cfg.RegistryBase,
		RunnerName:        e.runnerName,
		DefaultRunner:     cfg.DefaultRunner,
	})

	var backend port.DeployBackend = unavailableBackend{}
	if cs != nil {
		backend = kubernetes.NewK8sDeployer(cs, kubernetes.DeployerConfig{
			NamespacePrefix: cfg.DeployNamespacePrefix,
			ClusterName:     cfg.ClusterName,
		})
	}
	var admission service.AdmissionRule
	if frozen := cfg.FrozenEnvironmentList(); len(frozen) > 0 {
		admission = service.FrozenEnvironments(frozen)
	}
	e.deployCoord = service.NewDeployCoordinator(service.DeployDeps{
		Apps:       e.apps,
		Releases:   e.releases,
		Deploys:    e.deploys,
		Backend:    backend,
		Authorizer: service.AllowAll{},
	}, service.DeployOptions{
		MaxAttempts:       cfg.StepMaxAttempts,
		RetryBackoff:      cfg.StepRetryBackoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RunnerName:        e.runnerName,
		Admission:         admission,
	})

	slog.Info("engine initialized", "runner_name", e.runnerName, "default_runner", cfg.DefaultRunner, "kubernetes", cs != nil)
	return e, nil
}

func (e *engine) reconciler() *service.Reconciler {
	return service.NewReconciler(e.builds, e.deploys, service.ReconcilerOptions{
		Interval:      e.cfg.ReconcileInterval,
		OrphanTimeout: e.cfg.OrphanTimeout,
		MarkAbandoned: e.cfg.MarkAbandonedSteps,
	})
}

// registerExecutors 注册可用的步骤执行后端，不可用的后端只记录日志。
func registerExecutors(cfg *config.Config, cs k8s.Interface) *service.ExecutorRegistry {
	registry := service.NewExecutorRegistry()

	if cs != nil {
		registry.Register("kubernetes", kubernetes.NewJobStepExecutor(cs, kubernetes.JobExecutorConfig{
			Namespace:      cfg.BuildNamespace,
			RegistrySecret: cfg.RegistrySecret,
			HttpProxy:      cfg.BuildHttpProxy,
			NoProxy:        cfg.NoProxyList(),
		}))
	}

	if cli, err := docker.NewClient(cfg.DockerHost); err != nil {
		slog.Warn("docker client unavailable", "error", err)
	} else {
		registry.Register("docker", docker.NewContainerExecutor(cli, filepath.Join(cfg.LocalWorkDir, "paastel-docker")))
	}

	registry.Register("local", local.NewProcessExecutor(filepath.Join(cfg.LocalWorkDir, "paastel-local")))

	if cfg.CIBaseURL != "" {
		registry.Register("ci", ci.NewDelegateExecutor(cfg.CIBaseURL, cfg.CIToken))
	}

	slog.Info("step executors registered", "runners", registry.Names())
	return registry
}

// loadPipelines 未配置 PIPELINE_CONFIG 时使用内置的 fetch + kaniko 流水线。
func loadPipelines(cfg *config.Config) (*pipeline.Set, error) {
	if cfg.PipelineConfig != "" {
		set, err := pipeline.LoadFromFile(cfg.PipelineConfig)
		if err != nil {
			return nil, err
		}
		slog.Info("pipeline config loaded", "path", cfg.PipelineConfig)
		return set, nil
	}
	def := pipeline.Default(cfg.DefaultRunner)
	def.Retry = pipeline.Retry{MaxAttempts: cfg.StepMaxAttempts, Backoff: cfg.StepRetryBackoff}
	return pipeline.NewSet(def), nil
}

// runnerName 标识本进程，写入 runner_name 以便定位持有任务的 worker。
func runnerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "paastel"
	}
	return host + "-" + uuid.NewString()[:8]
}

type unavailableBackend struct{}

func (unavailableBackend) Deploy(context.Context, port.DeployRequest) (port.DeployResult, error) {
	return port.DeployResult{}, port.Permanent("no deploy backend configured: kubernetes is unavailable")
}

func (unavailableBackend) Cancel(context.Context, port.DeployRequest) error { return nil }
