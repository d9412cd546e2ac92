package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handlers struct {
	Apps     *AppHandler
	Builds   *BuildHandler
	Releases *ReleaseHandler
	Deploys  *DeployHandler
	Logs     *LogHandler
}

func NewRouter(h Handlers, apiToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(apiToken))
		r.Use(actorMiddleware)

		// Apps
		r.Route("/apps", func(r chi.Router) {
			r.Post("/", h.Apps.Create)
			r.Get("/", h.Apps.List)
			r.Route("/{app}", func(r chi.Router) {
				r.Get("/", h.Apps.Get)
				r.Delete("/", h.Apps.Delete)
				r.Post("/builds", h.Builds.Create)
				r.Get("/builds", h.Builds.List)
				r.Get("/releases", h.Releases.List)
				r.Get("/deploys", h.Deploys.List)
			})
		})

		// Builds
		r.Route("/builds/{id}", func(r chi.Router) {
			r.Get("/", h.Builds.Get)
			r.Get("/steps", h.Builds.Steps)
			r.Post("/cancel", h.Builds.Cancel)
			r.Get("/logs", h.Logs.GetBuildLogs)
			r.Post("/release", h.Builds.Release)
		})

		// Releases
		r.Route("/releases/{id}", func(r chi.Router) {
			r.Get("/", h.Releases.Get)
			r.Delete("/", h.Releases.Delete)
			r.Post("/deploys", h.Deploys.Create)
			r.Get("/deploys", h.Deploys.ListByRelease)
		})

		// Deploys
		r.Route("/deploys/{id}", func(r chi.Router) {
			r.Get("/", h.Deploys.Get)
			r.Post("/cancel", h.Deploys.Cancel)
		})
	})

	return r
}
