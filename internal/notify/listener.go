package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/engramhq/engram/internal/storage"
)

// Event is the envelope written to WebSocket clients.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	EventNotification  = "notification"
	EventDecisionSaved = "decision_saved"
)

// Listener drains the Postgres notification channels into the hub.
type Listener struct {
	db     *storage.DB
	hub    *Hub
	logger *slog.Logger
}

func NewListener(db *storage.DB, hub *Hub, logger *slog.Logger) *Listener {
	return &Listener{db: db, hub: hub, logger: logger}
}

// Run blocks until ctx is cancelled. Call it in a goroutine.
func (l *Listener) Run(ctx context.Context) {
	for _, channel := range []string{storage.ChannelNotifications, storage.ChannelDecisions} {
		if err := l.db.Listen(ctx, channel); err != nil {
			l.logger.Error("notify: listen failed", "channel", channel, "error", err)
			return
		}
	}
	l.logger.Info("notify: listening",
		"channels", []string{storage.ChannelNotifications, storage.ChannelDecisions})

	for {
		channel, payload, err := l.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("notify: notification wait failed, retrying", "error", err)
			continue
		}
		l.dispatch(channel, payload)
	}
}

// dispatch routes one raw channel payload to its recipient. Both
// channels carry JSON with a user_id field; payloads without one are
// dropped.
func (l *Listener) dispatch(channel, payload string) {
	var envelope struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.UserID == "" {
		l.logger.Debug("notify: unroutable payload", "channel", channel)
		return
	}

	eventType := EventNotification
	if channel == storage.ChannelDecisions {
		eventType = EventDecisionSaved
	}
	data, err := json.Marshal(Event{Type: eventType, Payload: json.RawMessage(payload)})
	if err != nil {
		return
	}
	l.hub.Push(envelope.UserID, data)
}
