package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
	"github.com/paastel-io/paastel/internal/service"
)

type BuildHandler struct {
	apps       *service.AppService
	builds     *service.BuildCoordinator
	dispatcher port.Dispatcher
}

func NewBuildHandler(apps *service.AppService, builds *service.BuildCoordinator, dispatcher port.Dispatcher) *BuildHandler {
	return &BuildHandler{apps: apps, builds: builds, dispatcher: dispatcher}
}

// Create 创建构建并交给 worker 执行；投递失败时取消刚创建的构建。
func (h *BuildHandler) Create(w http.ResponseWriter, r *http.Request) {
	app, err := lookupApp(h.apps, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req service.StartBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.AppID = app.ID
	req.TriggeredBy = actorFrom(r.Context())

	job, err := h.builds.StartBuild(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.dispatcher.DispatchBuild(r.Context(), job.ID, req.ReleaseVersion); err != nil {
		slog.Error("dispatch build failed", "build_id", job.ID, "error", err)
		if _, cerr := h.builds.Cancel(r.Context(), job.ID, nil); cerr != nil {
			slog.Error("cancel undispatched build failed", "build_id", job.ID, "error", cerr)
		}
		writeError(w, fmt.Errorf("dispatch build %d: %v: %w", job.ID, err, domain.ErrRetryable))
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	app, err := lookupApp(h.apps, r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	builds, err := h.builds.ListBuilds(r.Context(), app.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	build, err := h.builds.GetBuild(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (h *BuildHandler) Steps(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := h.builds.ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *BuildHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	build, err := h.builds.Cancel(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

type releaseRequest struct {
	Version string `json:"version"`
}

// Release 为已成功但尚未产出 Release 的构建补建 Release。
func (h *BuildHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	release, err := h.builds.MaterializeRelease(r.Context(), id, req.Version, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, release)
}
