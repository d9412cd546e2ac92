package http

import (
	"net/http"

	"github.com/paastel-io/paastel/internal/service"
)

type ReleaseHandler struct {
	apps *service.AppService
	svc  *service.ReleaseService
}

func NewReleaseHandler(apps *service.AppService, svc *service.ReleaseService) *ReleaseHandler {
	return &ReleaseHandler{apps: apps, svc: svc}
}

// List 支持 ?version= 精确查找某个版本。
func (h *ReleaseHandler) List(w http.ResponseWriter, r *http.Request) {
	app, err := lookupApp(h.apps, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if version := r.URL.Query().Get("version"); version != "" {
		release, err := h.svc.GetReleaseByVersion(r.Context(), app.ID, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, release)
		return
	}
	releases, err := h.svc.ListReleases(r.Context(), app.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releases)
}

func (h *ReleaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	release, err := h.svc.GetRelease(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (h *ReleaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeleteRelease(r.Context(), id, actorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}
