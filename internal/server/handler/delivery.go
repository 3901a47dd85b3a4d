package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/hedgecoord/internal/delivery"
)

// DeliveryMonitor exposes the delivery queue's health.
type DeliveryMonitor interface {
	Health() delivery.Health
	Stats() delivery.Stats
	Dead() []delivery.DeadItem
}

// DeliveryHandler serves GET /api/delivery/health.
type DeliveryHandler struct {
	queue DeliveryMonitor
}

// NewDeliveryHandler creates a DeliveryHandler.
func NewDeliveryHandler(queue DeliveryMonitor) *DeliveryHandler {
	return &DeliveryHandler{queue: queue}
}

type deadItemView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	DeadAt    time.Time `json:"dead_at"`
}

// Health reports the queue health, its counters and the most recent dead
// letters. The status code is 503 when the queue is unhealthy.
// GET /api/delivery/health?limit=50
func (h *DeliveryHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.queue.Health()
	dead := h.queue.Dead()
	if limit := parseLimit(r); len(dead) > limit {
		dead = dead[len(dead)-limit:]
	}
	views := make([]deadItemView, 0, len(dead))
	for i := len(dead) - 1; i >= 0; i-- {
		d := dead[i]
		views = append(views, deadItemView{
			ID:        d.ID,
			Kind:      string(d.Kind),
			Key:       d.Key,
			Attempts:  d.Attempts,
			LastError: d.LastError,
			Reason:    d.Reason,
			CreatedAt: d.CreatedAt,
			DeadAt:    d.DeadAt,
		})
	}

	code := http.StatusOK
	if health.Status == delivery.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"health": health,
		"stats":  h.queue.Stats(),
		"dead":   views,
	})
}
