// Package server builds the media node's HTTP surface: health/readiness
// probes and the operator console websocket. Adapted from the teacher's
// internal/server package, dropping the chat REST API and static frontend
// in favor of the node's own (much smaller) surface.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/sfunode/internal/config"
	"github.com/observer/sfunode/internal/connector"
	"github.com/observer/sfunode/internal/console"
)

// Dependencies holds the service dependencies routes are wired against.
type Dependencies struct {
	DB             *connector.DB
	ConsoleHandler *console.Handler
	ConsoleLimiter *RateLimiter
	Logger         *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.DB == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}
		if err := deps.DB.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	consoleRoute := http.Handler(deps.ConsoleHandler)
	if deps.ConsoleLimiter != nil {
		consoleRoute = deps.ConsoleLimiter.Middleware(consoleRoute)
	}
	mux.Handle("GET /console", consoleRoute)
}
