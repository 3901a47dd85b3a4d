package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports process identity and the counters of every engine
// component.
type StatusHandler struct {
	userID   string
	backend  string
	started  time.Time
	sections map[string]func() any
}

// NewStatusHandler creates a StatusHandler. Each section is rendered under
// its name by calling the provider on every request.
func NewStatusHandler(userID, backend string, sections map[string]func() any) *StatusHandler {
	return &StatusHandler{
		userID:   userID,
		backend:  backend,
		started:  time.Now(),
		sections: sections,
	}
}

// GetStatus responds with the coordinator identity, uptime and stats.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"user_id":        h.userID,
		"store_backend":  h.backend,
		"started_at":     h.started.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	for name, fn := range h.sections {
		body[name] = fn()
	}
	writeJSON(w, http.StatusOK, body)
}
