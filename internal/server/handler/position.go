package handler

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/hedgecoord/internal/domain"
)

// PositionLister is the local position mirror.
type PositionLister interface {
	List(statuses ...domain.PositionStatus) []domain.Position
}

// PositionHandler serves the local position book.
type PositionHandler struct {
	book PositionLister
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(book PositionLister) *PositionHandler {
	return &PositionHandler{book: book}
}

// ListPositions returns the positions held in the local book, optionally
// filtered by a comma separated status list.
// GET /api/positions?status=OPEN,CLOSING
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.PositionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := domain.PositionStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !s.Valid() {
				writeError(w, http.StatusBadRequest, "unknown position status "+part)
				return
			}
			statuses = append(statuses, s)
		}
	}

	positions := h.book.List(statuses...)
	out := make([]domain.PositionRecord, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.NewPositionRecord(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
