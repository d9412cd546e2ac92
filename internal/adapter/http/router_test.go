package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paastel-io/paastel/internal/adapter/repository"
	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/pipeline"
	"github.com/paastel-io/paastel/internal/port"
	"github.com/paastel-io/paastel/internal/service"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, req port.StepRequest, logs io.Writer) (port.StepOutput, error) {
	fmt.Fprintf(logs, "%s done\n", req.Name)
	return port.StepOutput{}, nil
}

type okBackend struct{}

func (okBackend) Deploy(context.Context, port.DeployRequest) (port.DeployResult, error) {
	return port.DeployResult{PipelineURL: "kubernetes:///namespaces/paastel-prod/deployments/web"}, nil
}

func (okBackend) Cancel(context.Context, port.DeployRequest) error { return nil }

type failingDispatcher struct{}

func (failingDispatcher) DispatchBuild(context.Context, int64, string) error {
	return fmt.Errorf("redis unavailable")
}

func (failingDispatcher) DispatchDeploy(context.Context, int64) error {
	return fmt.Errorf("redis unavailable")
}

type testServer struct {
	handler    http.Handler
	dispatcher *service.LocalDispatcher
	token      string
}

func newTestServer(t *testing.T, dispatcher port.Dispatcher) *testServer {
	t.Helper()
	db, err := repository.OpenDB(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	ctx := context.Background()
	orgID, err := repository.NewOrganizationRepo(db).Ensure(ctx, "default", "Default")
	require.NoError(t, err)

	apps := repository.NewAppRepo(db)
	builds := repository.NewBuildRepo(db)
	releases := repository.NewReleaseRepo(db)
	deploys := repository.NewDeployRepo(db)
	logs := repository.NewLogRepo(db)

	executors := service.NewExecutorRegistry()
	executors.Register("fake", echoExecutor{})
	def := &pipeline.Definition{Runner: "fake", Steps: []pipeline.Step{
		{Name: "fetch", Image: "alpine:3.20"},
		{Name: "build", Image: "alpine:3.20"},
	}}
	bc := service.NewBuildCoordinator(service.BuildDeps{
		Apps: apps, Builds: builds, Releases: releases, Logs: logs,
		Executors: executors, Pipelines: pipeline.NewSet(def), Authorizer: service.AllowAll{},
	}, service.BuildOptions{RegistryBase: "registry.example.com/paastel", RunnerName: "api-test"})
	dc := service.NewDeployCoordinator(service.DeployDeps{
		Apps: apps, Releases: releases, Deploys: deploys, Backend: okBackend{}, Authorizer: service.AllowAll{},
	}, service.DeployOptions{RunnerName: "api-test"})

	ts := &testServer{token: "secret"}
	if dispatcher == nil {
		ts.dispatcher = service.NewLocalDispatcher(ctx, bc, dc)
		dispatcher = ts.dispatcher
	}
	appSvc := service.NewAppService(apps, builds, deploys, service.AllowAll{}, orgID)
	ts.handler = NewRouter(Handlers{
		Apps:     NewAppHandler(appSvc),
		Builds:   NewBuildHandler(appSvc, bc, dispatcher),
		Releases: NewReleaseHandler(appSvc, service.NewReleaseService(apps, releases, service.AllowAll{})),
		Deploys:  NewDeployHandler(appSvc, dc, dispatcher),
		Logs:     NewLogHandler(service.NewLogService(builds, logs, nil, "paastel-builds")),
	}, ts.token)
	return ts
}

// call 发送请求并把 envelope.data 解码到 out（可为 nil），返回状态码与错误信息。
func (ts *testServer) call(t *testing.T, method, path string, body any, out any) (int, string) {
	t.Helper()
	var reader io.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewBufferString(s)
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-API-Key", ts.token)
	req.Header.Set("X-Actor-Id", "42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return rec.Code, env.Error
}

func TestAPI_BuildReleaseDeployFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	var app domain.App
	code, _ := ts.call(t, http.MethodPost, "/api/v1/apps", map[string]string{"name": "Web", "repo_url": "https://git.example.com/acme/web.git"}, &app)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "web", app.Slug)
	assert.Equal(t, int64(42), *app.CreatedBy)

	var build domain.BuildJob
	code, msg := ts.call(t, http.MethodPost, "/api/v1/apps/web/builds", map[string]any{
		"source":          map[string]string{"commit_sha": "abc1234"},
		"release_version": "v1.0.0",
	}, &build)
	require.Equal(t, http.StatusCreated, code, msg)
	ts.dispatcher.Wait()

	code, _ = ts.call(t, http.MethodGet, fmt.Sprintf("/api/v1/builds/%d", build.ID), nil, &build)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, domain.BuildStatusSucceeded, build.Status)
	require.NotNil(t, build.ReleaseID)

	var steps []domain.BuildStep
	code, _ = ts.call(t, http.MethodGet, fmt.Sprintf("/api/v1/builds/%d/steps", build.ID), nil, &steps)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, steps, 2)

	var logs map[string]string
	code, _ = ts.call(t, http.MethodGet, fmt.Sprintf("/api/v1/builds/%d/logs", build.ID), nil, &logs)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, logs["logs"], "fetch done")

	var chunks []domain.LogChunk
	code, _ = ts.call(t, http.MethodGet, fmt.Sprintf("/api/v1/builds/%d/logs?step=%d&from=0", build.ID, steps[0].ID), nil, &chunks)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, chunks)

	var release domain.Release
	code, _ = ts.call(t, http.MethodGet, "/api/v1/apps/web/releases?version=v1.0.0", nil, &release)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, *build.ReleaseID, release.ID)
	assert.Equal(t, domain.ReleaseStatusBuilt, release.Status)

	var deploy domain.Deploy
	code, msg = ts.call(t, http.MethodPost, fmt.Sprintf("/api/v1/releases/%d/deploys", release.ID), map[string]string{"environment": "prod"}, &deploy)
	require.Equal(t, http.StatusCreated, code, msg)
	ts.dispatcher.Wait()

	code, _ = ts.call(t, http.MethodGet, fmt.Sprintf("/api/v1/deploys/%d", deploy.ID), nil, &deploy)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.DeployStatusSucceeded, deploy.Status)

	var deploys []domain.Deploy
	code, _ = ts.call(t, http.MethodGet, "/api/v1/apps/web/deploys?env=prod", nil, &deploys)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, deploys, 1)

	code, _ = ts.call(t, http.MethodDelete, fmt.Sprintf("/api/v1/releases/%d", release.ID), nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code, "release referenced by deploys")

	code, _ = ts.call(t, http.MethodPost, fmt.Sprintf("/api/v1/builds/%d/release", build.ID), map[string]string{"version": "v1.0.1"}, nil)
	assert.Equal(t, http.StatusConflict, code, "build already materialized")
}

func TestAPI_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	code, _ := ts.call(t, http.MethodPost, "/api/v1/apps", map[string]string{"name": "Web"}, nil)
	require.Equal(t, http.StatusCreated, code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown build", http.MethodGet, "/api/v1/builds/999", nil, http.StatusNotFound},
		{"non-numeric id", http.MethodGet, "/api/v1/builds/abc", nil, http.StatusBadRequest},
		{"unknown app", http.MethodGet, "/api/v1/apps/missing", nil, http.StatusNotFound},
		{"malformed body", http.MethodPost, "/api/v1/apps/web/builds", "{", http.StatusBadRequest},
		{"missing source", http.MethodPost, "/api/v1/apps/web/builds", map[string]any{}, http.StatusBadRequest},
		{"duplicate slug", http.MethodPost, "/api/v1/apps", map[string]string{"name": "Web"}, http.StatusConflict},
		{"negative log range", http.MethodGet, "/api/v1/builds/1/logs?from=-1", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := ts.call(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.want, code, msg)
		})
	}
}

func TestAPI_DispatchFailureCancelsBuild(t *testing.T) {
	ts := newTestServer(t, failingDispatcher{})
	code, _ := ts.call(t, http.MethodPost, "/api/v1/apps", map[string]string{"name": "Web"}, nil)
	require.Equal(t, http.StatusCreated, code)

	code, _ = ts.call(t, http.MethodPost, "/api/v1/apps/web/builds", map[string]any{
		"source": map[string]string{"branch": "main"},
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	var builds []domain.BuildJob
	code, _ = ts.call(t, http.MethodGet, "/api/v1/apps/web/builds", nil, &builds)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, builds, 1)
	assert.Equal(t, domain.BuildStatusCanceled, builds[0].Status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrBuildNotFound, http.StatusNotFound},
		{domain.ErrVersionConflict, http.StatusConflict},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrStaleState, http.StatusConflict},
		{domain.ErrReleaseInUse, http.StatusUnprocessableEntity},
		{domain.ErrReleaseNotReady, http.StatusUnprocessableEntity},
		{domain.ErrStepOutOfOrder, http.StatusUnprocessableEntity},
		{domain.ErrChunkGap, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
