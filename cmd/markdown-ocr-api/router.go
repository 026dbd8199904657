package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr-api/handlers"
	"github.com/spherical/markdown-ocr/cmd/markdown-ocr-api/middleware"
	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/observability"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(
	logger *observability.Logger,
	cfg *config.Config,
	tasks *handlers.TaskHandler,
	health *handlers.HealthHandler,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))

	r.Get("/", health.Root)
	r.Get("/health", health.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upload", tasks.Upload)
		r.Get("/status/{taskId}", tasks.Status)
		r.Get("/download/{taskId}", tasks.Download)
		r.Delete("/tasks/{taskId}", tasks.Delete)
	})

	return r
}
