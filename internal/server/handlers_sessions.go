package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
)

// HandleCreateSession handles POST /sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectName string `json:"project_name"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
			return
		}
	}
	session, err := h.capture.Open(r.Context(), UserFromContext(r.Context()), req.ProjectName)
	if err != nil {
		h.logger.Error("open session failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to open session")
		return
	}
	writeJSON(w, r, http.StatusCreated, session)
}

// HandleGetSession handles GET /sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.capture.Get(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleSessionMessage handles POST /sessions/{id}/messages.
func (h *Handlers) HandleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return
	}
	m, err := h.capture.AddMessage(r.Context(), UserFromContext(r.Context()), id, req.Role, req.Content)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeStorageError(w, r, err)
			return
		}
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeUnprocessable, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleCompleteSession handles POST /sessions/{id}/complete.
func (h *Handlers) HandleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.capture.Complete(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// WebSocket limits per connection.
const (
	maxWSMessageBytes = 10 * 1024
	wsWindow          = time.Minute
	wsWindowLimit     = 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The server is fronted by whatever established the user identity;
	// origin enforcement belongs there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsInbound is a client frame: one capture-session turn.
type wsInbound struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wsOutbound is a server frame.
type wsOutbound struct {
	Type    string `json:"type"` // ack | error
	Message string `json:"message,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
}

// HandleSessionWS handles WS /sessions/{id}/ws: a live capture stream.
// Incoming frames are appended to the session transcript; the
// connection also receives the user's push notifications while open.
func (h *Handlers) HandleSessionWS(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	userID := UserFromContext(r.Context())
	if _, err := h.capture.Get(r.Context(), userID, id); err != nil {
		writeStorageError(w, r, err)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	raw.SetReadLimit(maxWSMessageBytes)

	// Hub pushes and ack writes come from different goroutines; gorilla
	// requires a single writer, so serialize through one wrapper.
	conn := &wsConn{conn: raw}
	h.hub.Register(userID, conn)
	defer func() {
		h.hub.Unregister(userID, conn)
		_ = conn.Close()
	}()

	// Sliding window over message timestamps; over-limit frames are
	// rejected but the connection stays open.
	var window []time.Time

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", "session_id", id, "error", err)
			}
			return
		}

		now := time.Now()
		cutoff := now.Add(-wsWindow)
		kept := window[:0]
		for _, t := range window {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		window = kept
		if len(window) >= wsWindowLimit {
			h.writeWS(conn, wsOutbound{Type: "error", Message: "rate limit exceeded: 20 messages per minute"})
			continue
		}
		window = append(window, now)

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.writeWS(conn, wsOutbound{Type: "error", Message: "invalid frame"})
			continue
		}
		m, err := h.capture.AddMessage(r.Context(), userID, id, in.Role, in.Content)
		if err != nil {
			h.writeWS(conn, wsOutbound{Type: "error", Message: err.Error()})
			continue
		}
		h.writeWS(conn, wsOutbound{Type: "ack", TurnID: m.ID.String()})
	}
}

func (h *Handlers) writeWS(conn *wsConn, out wsOutbound) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("websocket write failed", "error", err)
	}
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }
