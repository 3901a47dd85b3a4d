package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/hedgecoord/internal/reconcile"
)

// ConflictHistory exposes recent reconciliation decisions.
type ConflictHistory interface {
	Conflicts(limit int) []reconcile.ConflictRecord
	Stats() reconcile.Stats
}

// ConflictReplay reads conflicts back from the durable stream, which is
// shared by every coordinator and survives restarts.
type ConflictReplay interface {
	Replay(ctx context.Context, after string, limit int) ([]reconcile.StreamedConflict, error)
}

// ConflictHandler serves GET /api/conflicts and GET /api/conflicts/stream.
type ConflictHandler struct {
	history ConflictHistory
	replay  ConflictReplay
}

// NewConflictHandler creates a ConflictHandler.
func NewConflictHandler(history ConflictHistory) *ConflictHandler {
	return &ConflictHandler{history: history}
}

// SetReplay enables the stream endpoint.
func (h *ConflictHandler) SetReplay(r ConflictReplay) { h.replay = r }

// List returns the most recent conflict records, newest first.
// GET /api/conflicts?limit=50
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	records := h.history.Conflicts(parseLimit(r))
	if records == nil {
		records = []reconcile.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": records,
		"stats":     h.history.Stats(),
	})
}

// Stream pages through the durable conflict stream, oldest first. Pass the
// returned next cursor as after to continue.
// GET /api/conflicts/stream?after=0&limit=50
func (h *ConflictHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.replay == nil {
		writeError(w, http.StatusServiceUnavailable, "conflict stream not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	entries, err := h.replay.Replay(r.Context(), after, parseLimit(r))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].StreamID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"next":    next,
	})
}
