// Package capture runs interactive capture sessions: a user (or agent)
// narrates decisions turn by turn, and completing the session feeds the
// transcript through the same segmentation and extraction pipeline as
// log ingestion.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/ingest"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
)

// Service manages capture sessions.
type Service struct {
	db        *storage.DB
	segmenter *ingest.Segmenter
	pipeline  ingest.Pipeline
	logger    *slog.Logger
}

func New(db *storage.DB, segmenter *ingest.Segmenter, pipeline ingest.Pipeline, logger *slog.Logger) *Service {
	return &Service{db: db, segmenter: segmenter, pipeline: pipeline, logger: logger}
}

// Open starts a session.
func (s *Service) Open(ctx context.Context, userID, project string) (model.CaptureSession, error) {
	if userID == "" {
		return model.CaptureSession{}, fmt.Errorf("capture: user id required")
	}
	return s.db.CreateCaptureSession(ctx, userID, project)
}

// SessionView is a session with its transcript.
type SessionView struct {
	Session  model.CaptureSession   `json:"session"`
	Messages []model.SessionMessage `json:"messages,omitempty"`
}

// Get returns the session and its stored turns.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (SessionView, error) {
	session, err := s.db.GetCaptureSession(ctx, userID, id)
	if err != nil {
		return SessionView{}, err
	}
	messages, err := s.db.SessionMessages(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: session, Messages: messages}, nil
}

// AddMessage appends one turn to an open session.
func (s *Service) AddMessage(ctx context.Context, userID string, sessionID uuid.UUID, role, content string) (model.SessionMessage, error) {
	if strings.TrimSpace(content) == "" {
		return model.SessionMessage{}, fmt.Errorf("capture: empty message")
	}
	if role != "user" && role != "assistant" {
		return model.SessionMessage{}, fmt.Errorf("capture: unknown role %q", role)
	}

	session, err := s.db.GetCaptureSession(ctx, userID, sessionID)
	if err != nil {
		return model.SessionMessage{}, err
	}
	if session.Status != "open" {
		return model.SessionMessage{}, fmt.Errorf("capture: session %s is %s", sessionID, session.Status)
	}

	m := model.SessionMessage{SessionID: sessionID, Role: model.Role(role), Content: content}
	if err := s.db.AppendSessionMessage(ctx, &m); err != nil {
		return model.SessionMessage{}, err
	}
	return m, nil
}

// CompleteResult reports what completing a session extracted.
type CompleteResult struct {
	Session        model.CaptureSession `json:"session"`
	DecisionsSaved int                  `json:"decisions_saved"`
}

// Complete closes the session and extracts decisions from its
// transcript. Extraction failures do not reopen the session; the
// transcript stays stored for a manual retry.
func (s *Service) Complete(ctx context.Context, userID string, id uuid.UUID) (CompleteResult, error) {
	session, err := s.db.CompleteCaptureSession(ctx, userID, id)
	if err != nil {
		return CompleteResult{}, err
	}

	messages, err := s.db.SessionMessages(ctx, id)
	if err != nil {
		return CompleteResult{Session: session}, err
	}
	if len(messages) == 0 {
		return CompleteResult{Session: session}, nil
	}

	conv := transcriptConversation(session, messages)
	episodes := s.segmenter.Segment(conv)
	saved, err := s.pipeline.ProcessConversation(ctx, userID, conv, episodes)
	if err != nil {
		s.logger.Warn("capture: extraction incomplete",
			"session_id", id, "saved", saved, "error", err)
	}
	return CompleteResult{Session: session, DecisionsSaved: saved}, nil
}

// transcriptConversation shapes the stored turns like a parsed log
// conversation so the segmenter and extractor apply unchanged.
func transcriptConversation(session model.CaptureSession, messages []model.SessionMessage) model.Conversation {
	conv := model.Conversation{
		ProjectName: session.ProjectName,
		SourcePath:  "session:" + session.ID.String(),
		IngestedAt:  time.Now().UTC(),
	}
	for i, m := range messages {
		conv.Messages = append(conv.Messages, model.Message{
			Role:      m.Role,
			TurnIndex: i,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	return conv
}
