package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/hedgecoord/internal/protocol"
	"github.com/alanyoungcy/hedgecoord/internal/server/ws"
)

const maxBroadcastBody = 64 << 10

// ConnectionManager is the part of the protocol server the admin API drives.
type ConnectionManager interface {
	Connections() []ws.ConnInfo
	Stats() ws.Stats
	Disconnect(connID string) bool
	Broadcast(msg protocol.Message) int
}

// ConnectionHandler serves the terminal connection endpoints.
type ConnectionHandler struct {
	conns  ConnectionManager
	logger *slog.Logger
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(conns ConnectionManager, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{conns: conns, logger: logger}
}

// List returns every registered terminal connection.
// GET /api/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	conns := h.conns.Connections()
	if conns == nil {
		conns = []ws.ConnInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"stats":       h.conns.Stats(),
	})
}

// Disconnect closes one connection.
// DELETE /api/connections/{id}
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.conns.Disconnect(id) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	h.logger.InfoContext(r.Context(), "handler: connection disconnected by operator",
		slog.String("conn_id", id),
	)
	writeJSON(w, http.StatusOK, map[string]string{"disconnected": id})
}

// Broadcast sends a wire message to every authenticated terminal. Only
// messages the server may originate are accepted.
// POST /api/broadcast
func (h *ConnectionHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBroadcastBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch msg.MessageType() {
	case protocol.TypeOpen, protocol.TypeClose, protocol.TypePing, protocol.TypeInfo:
	default:
		writeError(w, http.StatusBadRequest, "message type "+string(msg.MessageType())+" cannot be broadcast")
		return
	}

	n := h.conns.Broadcast(msg)
	h.logger.InfoContext(r.Context(), "handler: broadcast sent",
		slog.String("type", string(msg.MessageType())),
		slog.Int("recipients", n),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"type":       msg.MessageType(),
		"recipients": n,
	})
}
