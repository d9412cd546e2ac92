package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
	"github.com/paastel-io/paastel/internal/service"
)

type DeployHandler struct {
	apps       *service.AppService
	deploys    *service.DeployCoordinator
	dispatcher port.Dispatcher
}

func NewDeployHandler(apps *service.AppService, deploys *service.DeployCoordinator, dispatcher port.Dispatcher) *DeployHandler {
	return &DeployHandler{apps: apps, deploys: deploys, dispatcher: dispatcher}
}

func (h *DeployHandler) Create(w http.ResponseWriter, r *http.Request) {
	releaseID, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req service.StartDeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ReleaseID = releaseID
	req.TriggeredBy = actorFrom(r.Context())

	deploy, err := h.deploys.StartDeploy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.dispatcher.DispatchDeploy(r.Context(), deploy.ID); err != nil {
		slog.Error("dispatch deploy failed", "deploy_id", deploy.ID, "error", err)
		if _, cerr := h.deploys.Cancel(r.Context(), deploy.ID, nil); cerr != nil {
			slog.Error("cancel undispatched deploy failed", "deploy_id", deploy.ID, "error", cerr)
		}
		writeError(w, fmt.Errorf("dispatch deploy %d: %v: %w", deploy.ID, err, domain.ErrRetryable))
		return
	}
	writeJSON(w, http.StatusCreated, deploy)
}

// List 按 ?env= 过滤环境，按创建时间倒序。
func (h *DeployHandler) List(w http.ResponseWriter, r *http.Request) {
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
	deploys, err := h.deploys.ListDeploys(r.Context(), app.ID, r.URL.Query().Get("env"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploys)
}

func (h *DeployHandler) ListByRelease(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	deploys, err := h.deploys.ListDeploysByRelease(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploys)
}

func (h *DeployHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	deploy, err := h.deploys.GetDeploy(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploy)
}

func (h *DeployHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	deploy, err := h.deploys.Cancel(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploy)
}
