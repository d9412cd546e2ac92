package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/service"
)

type AppHandler struct {
	svc *service.AppService
}

func NewAppHandler(svc *service.AppService) *AppHandler {
	return &AppHandler{svc: svc}
}

// lookupApp 按 {app} 路径参数查找 App，数字视为 ID，否则视为默认组织下的 slug。
func lookupApp(svc *service.AppService, r *http.Request) (*domain.App, error) {
	key := chi.URLParam(r, "app")
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return svc.GetApp(r.Context(), id)
	}
	return svc.GetAppBySlug(r.Context(), key)
}

func (h *AppHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.CreatedBy = actorFrom(r.Context())
	app, err := h.svc.CreateApp(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (h *AppHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, err := intQuery(r, "organization_id", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	apps, err := h.svc.ListApps(r.Context(), int64(orgID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *AppHandler) Get(w http.ResponseWriter, r *http.Request) {
	app, err := lookupApp(h.svc, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *AppHandler) Delete(w http.ResponseWriter, r *http.Request) {
	app, err := lookupApp(h.svc, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeleteApp(r.Context(), app.ID, actorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": app.Slug})
}
