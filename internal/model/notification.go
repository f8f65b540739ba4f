package model

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType enumerates the alert kinds surfaced to users.
type NotificationType string

const (
	NotifyContradiction      NotificationType = "contradiction"
	NotifyAssumptionInvalid  NotificationType = "assumption_invalid"
	NotifyStaleDecision      NotificationType = "stale_decision"
	NotifyDormantAlternative NotificationType = "dormant_alternative"
)

// Notification is a durable user alert, persisted to the relational
// store and pushed best-effort over any open WebSocket connections.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// CaptureSession is an interactive capture session: a user (or agent)
// streams messages in, then completes the session to run extraction.
type CaptureSession struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	ProjectName string     `json:"project_name,omitempty"`
	Status      string     `json:"status"` // open | completed
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SessionMessage is one stored turn of a capture session. History is
// capped; oldest turns are trimmed first.
type SessionMessage struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxSessionHistory caps stored turns per capture session.
const MaxSessionHistory = 50
