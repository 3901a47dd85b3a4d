package handler

import (
	"net/http"

	"github.com/alanyoungcy/hedgecoord/internal/trail"
)

// TrailMonitors exposes the active trail monitors.
type TrailMonitors interface {
	Monitors() []trail.MonitorInfo
	Stats() trail.Stats
}

// MonitorHandler serves GET /api/monitors.
type MonitorHandler struct {
	trail TrailMonitors
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(t TrailMonitors) *MonitorHandler {
	return &MonitorHandler{trail: t}
}

// List returns every active trail monitor.
// GET /api/monitors
func (h *MonitorHandler) List(w http.ResponseWriter, r *http.Request) {
	monitors := h.trail.Monitors()
	if monitors == nil {
		monitors = []trail.MonitorInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"monitors": monitors,
		"stats":    h.trail.Stats(),
	})
}
