// Package notify pushes persisted notifications to connected WebSocket
// clients. The hub is a process-local registry of user connections; the
// listener bridges Postgres LISTEN/NOTIFY channels into it so pushes
// work regardless of which process wrote the notification.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the write side of a client connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub maps user ids to their open connections. One lock guards all
// mutation; pushes that fail prune the connection.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[Conn]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, conns: map[string]map[Conn]struct{}{}}
}

// Register adds a connection for the user.
func (h *Hub) Register(userID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[userID]
	if !ok {
		set = map[Conn]struct{}{}
		h.conns[userID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a connection; the caller closes it.
func (h *Hub) Unregister(userID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(userID, c)
}

func (h *Hub) removeLocked(userID string, c Conn) {
	set, ok := h.conns[userID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, userID)
	}
}

// Push writes payload to every connection of the user and returns how
// many received it. Connections whose write fails are pruned and closed.
func (h *Hub) Push(userID string, payload []byte) int {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug("notify: pruning dead connection", "user_id", userID, "error", err)
			h.mu.Lock()
			h.removeLocked(userID, c)
			h.mu.Unlock()
			c.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// ConnCount reports how many connections the user currently holds.
func (h *Hub) ConnCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// CloseAll closes every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.conns {
		for c := range set {
			c.Close()
		}
		delete(h.conns, userID)
	}
}
