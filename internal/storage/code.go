package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engramhq/engram/internal/model"
)

// UpsertCodeEntity inserts a code-entity node or returns the existing
// row for the same (user, path).
func (db *DB) UpsertCodeEntity(ctx context.Context, q Queryable, ce *model.CodeEntity) (model.CodeEntity, error) {
	if ce.ID == uuid.Nil {
		ce.ID = uuid.New()
	}
	if ce.CreatedAt.IsZero() {
		ce.CreatedAt = time.Now().UTC()
	}
	row := q.QueryRow(ctx,
		`INSERT INTO code_entities (id, user_id, file_path, file_stem, language, line_count, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (coalesce(user_id, ''), file_path) DO UPDATE SET
		   language = CASE WHEN EXCLUDED.language <> '' THEN EXCLUDED.language ELSE code_entities.language END
		 RETURNING id, user_id, file_path, file_stem, language, line_count, size_bytes, created_at`,
		ce.ID, ce.UserID, ce.FilePath, ce.FileStem, ce.Language, ce.LineCount, ce.SizeBytes, ce.CreatedAt,
	)
	var stored model.CodeEntity
	err := row.Scan(&stored.ID, &stored.UserID, &stored.FilePath, &stored.FileStem,
		&stored.Language, &stored.LineCount, &stored.SizeBytes, &stored.CreatedAt)
	if err != nil {
		return model.CodeEntity{}, fmt.Errorf("storage: upsert code entity: %w", err)
	}
	return stored, nil
}

// FindCodeEntityByStem matches a bare file name mention ("auth.py")
// against indexed paths by stem. Ambiguous stems return every match;
// the resolver links only unambiguous ones.
func (db *DB) FindCodeEntityByStem(ctx context.Context, userID, stem string) ([]model.CodeEntity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, file_path, file_stem, language, line_count, size_bytes, created_at
		 FROM code_entities
		 WHERE `+userScope("user_id", 1)+` AND lower(file_stem) = lower($2)
		 ORDER BY file_path`,
		userID, stem,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find code entity by stem: %w", err)
	}
	defer rows.Close()
	return scanCodeEntities(rows)
}

// ToolPathsForDecision returns the file paths a decision affects via
// live AFFECTS edges to code entities.
func (db *DB) ToolPathsForDecision(ctx context.Context, decisionID uuid.UUID) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ce.file_path FROM code_entities ce
		 JOIN edges ed ON ed.target_id = ce.id
		 WHERE ed.source_id = $1 AND ed.type = $2 AND ed.invalid_at IS NULL
		 ORDER BY ce.file_path`,
		decisionID, model.EdgeAffects,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: tool paths for decision: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan tool path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// UpsertCommit records a commit node, idempotent on (user, sha).
func (db *DB) UpsertCommit(ctx context.Context, q Queryable, c *model.CommitNode) (model.CommitNode, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	row := q.QueryRow(ctx,
		`INSERT INTO commits (id, user_id, commit_sha, message, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (coalesce(user_id, ''), commit_sha) DO UPDATE SET
		   message = CASE WHEN EXCLUDED.message <> '' THEN EXCLUDED.message ELSE commits.message END
		 RETURNING id, user_id, commit_sha, message, created_at`,
		c.ID, c.UserID, c.CommitSHA, c.Message, c.CreatedAt,
	)
	var stored model.CommitNode
	if err := row.Scan(&stored.ID, &stored.UserID, &stored.CommitSHA, &stored.Message, &stored.CreatedAt); err != nil {
		return model.CommitNode{}, fmt.Errorf("storage: upsert commit: %w", err)
	}
	return stored, nil
}

func scanCodeEntities(rows pgx.Rows) ([]model.CodeEntity, error) {
	var out []model.CodeEntity
	for rows.Next() {
		var ce model.CodeEntity
		if err := rows.Scan(&ce.ID, &ce.UserID, &ce.FilePath, &ce.FileStem,
			&ce.Language, &ce.LineCount, &ce.SizeBytes, &ce.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan code entity: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}
