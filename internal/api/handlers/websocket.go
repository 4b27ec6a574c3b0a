package handlers

import (
	"net/http"
)

// ConnectionHandler accepts websocket upgrades. *websocket.Hub satisfies it.
type ConnectionHandler interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
	Clients() int
}

// WebSocketHandler handles WebSocket connections for job events
type WebSocketHandler struct {
	hub      ConnectionHandler
	maxConns int
}

// NewWebSocketHandler creates a new WebSocket handler. maxConns of zero
// means unlimited.
func NewWebSocketHandler(hub ConnectionHandler, maxConns int) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, maxConns: maxConns}
}

// HandleConnection upgrades HTTP to WebSocket
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if h.maxConns > 0 && h.hub.Clients() >= h.maxConns {
		writeError(w, http.StatusServiceUnavailable, "TOO_MANY_CONNECTIONS", "too many websocket connections")
		return
	}
	h.hub.HandleConnection(w, r)
}
