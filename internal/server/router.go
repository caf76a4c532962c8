package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kvstream/logbackup/internal/api"
	"github.com/kvstream/logbackup/internal/metrics"
)

// NewRouter mounts the admin API and the metrics endpoint.
func NewRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(api.EchoRequestID)
	r.Use(api.RequestLogger)
	r.Use(middleware.RequestSize(api.MaxBodySize))
	r.Use(api.ValidateContentType)

	h.Routes(r)
	r.Handle("/metrics", metrics.Handler())

	return r
}
