package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akinalp/threadline/config"
)

// initRoutes registers every endpoint on mux.
func initRoutes(mux *http.ServeMux, h *Handlers, cfg *config.Config) {
	mux.HandleFunc("GET /api/health", h.Health.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// There is no login flow; development hands out tokens directly.
	if cfg.Server.IsDevelopment() {
		mux.HandleFunc("POST /api/dev/token", h.Token.Issue)
	}

	// Browsers cannot set headers on a WebSocket upgrade, so the access
	// token travels as ?token= and the handler checks it.
	mux.HandleFunc("GET /ws", h.WS.HandleConnection)
}
