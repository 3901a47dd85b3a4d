package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/hedgecoord/internal/executor"
)

// LockTable is the read and release surface of the execution lock table.
type LockTable interface {
	Snapshot() []executor.LockInfo
	Stats() executor.LockStats
	ForceReleaseAll() int
}

// LockHandler serves the execution lock endpoints.
type LockHandler struct {
	locks  LockTable
	logger *slog.Logger
}

// NewLockHandler creates a LockHandler.
func NewLockHandler(locks LockTable, logger *slog.Logger) *LockHandler {
	return &LockHandler{locks: locks, logger: logger}
}

// List returns the held locks, oldest first.
// GET /api/locks
func (h *LockHandler) List(w http.ResponseWriter, r *http.Request) {
	locks := h.locks.Snapshot()
	if locks == nil {
		locks = []executor.LockInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locks": locks,
		"stats": h.locks.Stats(),
	})
}

// ReleaseAll drops every held lock. In-flight executions keep running; the
// next notification for a released action may dispatch it again.
// POST /api/locks/release-all
func (h *LockHandler) ReleaseAll(w http.ResponseWriter, r *http.Request) {
	n := h.locks.ForceReleaseAll()
	h.logger.WarnContext(r.Context(), "handler: all execution locks force released",
		slog.Int("released", n),
	)
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}
