package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

func NewRouter(app *handlers.App, logger infra.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.Logger(logger),
	)

	r.Get("/healthz", app.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scenes/{scene_id}/video", app.SceneVideoGenerate)
		r.Post("/frames/{frame_id}/image", app.FrameImageGenerate)
		r.Get("/jobs/status", app.QueueStatus)
		r.Get("/projects/{project_id}/jobs/pending", app.ProjectPendingJobs)
	})

	return r
}
