// Package server provides HTTP server setup for the imagepipe service.
package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imagepipe/imagepipe/common/middleware"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/handlers"
)

// NewRouter constructs a ServeMux with the imagepipe routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Upstream producer entry point
	mux.HandleFunc("POST /api/v1/notifications", h.PublishNotification)

	// Operational reads. Image ids may contain slashes.
	mux.HandleFunc("GET /api/v1/images/{id...}", h.GetImage)
	mux.HandleFunc("GET /api/v1/dlq", h.ListDeadLetters)
	mux.HandleFunc("DELETE /api/v1/dlq", h.PurgeDeadLetters)

	return middleware.RequestID(mux)
}

// New returns an HTTP server for handler configured from cfg. Handler is
// wrapped with CORS when origins are configured.
func New(cfg config.ServerConfig, handler http.Handler) *http.Server {
	cors := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}
	if cors.Enabled() {
		handler = middleware.CORS(cors)(handler)
	}
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
