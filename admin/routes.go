package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/telemetry"
)

// NewRouter builds the admin API router
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/health", handlers.handleHealth)
	r.Get("/stats", handlers.handleStats)
	r.Get("/pending", handlers.handlePending)
	r.Get("/events", handlers.handleEvents)

	r.Get("/txn/{node}/{txnID}/waiting", handlers.handleWaiting)

	r.Route("/commits", func(r chi.Router) {
		r.Get("/", handlers.handleCommits)
		r.Get("/last", handlers.handleLastCommit)
	})

	r.Get("/roots/{name}", handlers.handleRoot)
	r.Get("/objects/{objectID}", handlers.handleObject)

	return r
}

// RegisterRoutes mounts the admin API under /admin and the Prometheus
// endpoint at /metrics when metrics are enabled.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := NewRouter(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
