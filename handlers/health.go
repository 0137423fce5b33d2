// Package handlers holds the HTTP endpoints of the document server. The
// feed itself lives in package ws; these are the small side doors.
package handlers

import (
	"net/http"

	"github.com/akinalp/threadline/pkg"
)

// ConnectionCounter reports open feed connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
}

// HealthHandler answers liveness checks.
type HealthHandler struct {
	hub ConnectionCounter
}

// NewHealthHandler, constructor.
func NewHealthHandler(hub ConnectionCounter) *HealthHandler {
	return &HealthHandler{hub: hub}
}

// Health godoc
// GET /api/health
// Response: { "success": true, "data": { "status": "ok", "service": "threadline", "connections": 3 } }
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	pkg.JSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Service:     "threadline",
		Connections: h.hub.ConnectionCount(),
	})
}
