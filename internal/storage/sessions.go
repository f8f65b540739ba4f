package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engramhq/engram/internal/model"
)

// CreateCaptureSession opens a new interactive capture session.
func (db *DB) CreateCaptureSession(ctx context.Context, userID, project string) (model.CaptureSession, error) {
	s := model.CaptureSession{
		ID:          uuid.New(),
		UserID:      userID,
		ProjectName: project,
		Status:      "open",
		CreatedAt:   time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO capture_sessions (id, user_id, status, project_name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.Status, s.ProjectName, s.CreatedAt,
	)
	if err != nil {
		return model.CaptureSession{}, fmt.Errorf("storage: create capture session: %w", err)
	}
	return s, nil
}

// GetCaptureSession fetches a session the user owns.
func (db *DB) GetCaptureSession(ctx context.Context, userID string, id uuid.UUID) (model.CaptureSession, error) {
	var s model.CaptureSession
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, status, project_name, created_at, completed_at
		 FROM capture_sessions WHERE id = $2 AND user_id = $1`,
		userID, id,
	).Scan(&s.ID, &s.UserID, &s.Status, &s.ProjectName, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.CaptureSession{}, ErrNotFound
		}
		return model.CaptureSession{}, fmt.Errorf("storage: get capture session: %w", err)
	}
	return s, nil
}

// AppendSessionMessage stores one turn and trims history beyond the cap,
// oldest first.
func (db *DB) AppendSessionMessage(ctx context.Context, m *model.SessionMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_messages (id, session_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: append session message: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM session_messages WHERE session_id = $1 AND id NOT IN (
			   SELECT id FROM session_messages WHERE session_id = $1
			   ORDER BY created_at DESC, id LIMIT $2)`,
			m.SessionID, model.MaxSessionHistory,
		); err != nil {
			return fmt.Errorf("storage: trim session history: %w", err)
		}
		return nil
	})
}

// SessionMessages returns the stored turns of a session in order.
func (db *DB) SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]model.SessionMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM session_messages WHERE session_id = $1 ORDER BY created_at ASC, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: session messages: %w", err)
	}
	defer rows.Close()

	var out []model.SessionMessage
	for rows.Next() {
		var m model.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan session message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompleteCaptureSession marks an open session completed. Completing an
// already-completed session returns ErrNotFound.
func (db *DB) CompleteCaptureSession(ctx context.Context, userID string, id uuid.UUID) (model.CaptureSession, error) {
	var s model.CaptureSession
	err := db.pool.QueryRow(ctx,
		`UPDATE capture_sessions SET status = 'completed', completed_at = now()
		 WHERE id = $2 AND user_id = $1 AND status = 'open'
		 RETURNING id, user_id, status, project_name, created_at, completed_at`,
		userID, id,
	).Scan(&s.ID, &s.UserID, &s.Status, &s.ProjectName, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.CaptureSession{}, ErrNotFound
		}
		return model.CaptureSession{}, fmt.Errorf("storage: complete capture session: %w", err)
	}
	return s, nil
}
