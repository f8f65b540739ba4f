package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/engramhq/engram/internal/model"
)

// Queryable is satisfied by both *pgxpool.Pool and pgx.Tx, so node and
// edge writes compose into one transaction in the graph writer.
type Queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction, rolling back on error.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

const decisionColumns = `id, user_id, project_name, trigger_text, context_text, options,
	agent_decision, agent_rationale, confidence, raw_confidence, scope, source,
	verbatim_trigger, verbatim_decision, verbatim_rationale,
	trigger_span, decision_span, rationale_span,
	raw_rationale, rationale_author, assumptions, turn_index, provenance,
	created_at, edited_at, edit_count, last_reviewed_at, expired_at`

// InsertDecision writes a decision node. q may be the pool or an open
// transaction.
func (db *DB) InsertDecision(ctx context.Context, q Queryable, d *model.DecisionTrace) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Options == nil {
		d.Options = []string{}
	}
	if d.Assumptions == nil {
		d.Assumptions = []string{}
	}

	_, err := q.Exec(ctx,
		`INSERT INTO decisions (id, user_id, project_name, trigger_text, context_text, options,
		 agent_decision, agent_rationale, confidence, raw_confidence, scope, source,
		 verbatim_trigger, verbatim_decision, verbatim_rationale,
		 trigger_span, decision_span, rationale_span,
		 raw_rationale, rationale_author, assumptions, turn_index, provenance,
		 embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		 $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		d.ID, d.UserID, d.ProjectName, d.Trigger, d.Context, d.Options,
		d.AgentDecision, d.AgentRationale, d.Confidence, d.RawConfidence, d.Scope, d.Source,
		d.VerbatimTrigger, d.VerbatimDecision, d.VerbatimRationale,
		d.TriggerSpan, d.DecisionSpan, d.RationaleSpan,
		d.RawRationale, d.RationaleAuthor, d.Assumptions, d.TurnIndex, d.Provenance,
		d.Embedding, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision visible to userID, optionally with
// its entities, candidates, and tool paths joined in.
func (db *DB) GetDecision(ctx context.Context, userID string, id uuid.UUID, includeRelated bool) (model.DecisionTrace, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE id = $2 AND `+userScope("user_id", 1),
		userID, id,
	)
	d, err := scanDecision(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.DecisionTrace{}, ErrNotFound
		}
		return model.DecisionTrace{}, fmt.Errorf("storage: get decision: %w", err)
	}

	if includeRelated {
		if d.Entities, err = db.EntitiesForDecision(ctx, id); err != nil {
			return model.DecisionTrace{}, err
		}
		if d.Candidates, err = db.CandidatesForDecision(ctx, id); err != nil {
			return model.DecisionTrace{}, err
		}
		if d.ToolPaths, err = db.ToolPathsForDecision(ctx, id); err != nil {
			return model.DecisionTrace{}, err
		}
	}
	return d, nil
}

// DecisionFilters narrows list queries. Zero values mean no filter.
type DecisionFilters struct {
	Project        string
	Scope          model.Scope
	Source         model.Source
	MinConfidence  float64
	Since          *time.Time
	Until          *time.Time
	IncludeExpired bool
	Limit          int
	Offset         int
}

// ListDecisions returns decisions visible to userID, newest first, with
// the total count for pagination.
func (db *DB) ListDecisions(ctx context.Context, userID string, f DecisionFilters) ([]model.DecisionTrace, int, error) {
	where, args := decisionWhere(userID, f)

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count decisions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+decisionColumns+` FROM decisions%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		where, limit, offset,
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	return decisions, total, err
}

// decisionUpdateColumns maps allow-listed API field names to columns.
var decisionUpdateColumns = map[string]string{
	"trigger":         "trigger_text",
	"context":         "context_text",
	"options":         "options",
	"agent_decision":  "agent_decision",
	"agent_rationale": "agent_rationale",
	"confidence":      "confidence",
	"scope":           "scope",
	"project_name":    "project_name",
	"assumptions":     "assumptions",
}

// UpdateDecision applies a partial update restricted to the allow-list,
// bumping edited_at and edit_count. Fields outside the list are an error.
func (db *DB) UpdateDecision(ctx context.Context, userID string, id uuid.UUID, fields map[string]any) (model.DecisionTrace, error) {
	if len(fields) == 0 {
		return model.DecisionTrace{}, fmt.Errorf("storage: update decision: no fields")
	}

	sets := make([]string, 0, len(fields)+2)
	args := []any{userID, id}
	idx := 3
	for name, val := range fields {
		col, ok := decisionUpdateColumns[name]
		if !ok {
			return model.DecisionTrace{}, fmt.Errorf("storage: field %q is not updatable", name)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}
	sets = append(sets, "edited_at = now()", "edit_count = edit_count + 1")

	row := db.pool.QueryRow(ctx,
		`UPDATE decisions SET `+strings.Join(sets, ", ")+
			` WHERE id = $2 AND `+userScope("user_id", 1)+
			` RETURNING `+decisionColumns,
		args...,
	)
	d, err := scanDecision(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.DecisionTrace{}, ErrNotFound
		}
		return model.DecisionTrace{}, fmt.Errorf("storage: update decision: %w", err)
	}
	return d, nil
}

// DeleteDecision removes a decision and detaches every edge that
// references it, in one transaction. Entities it involved remain (they
// may be orphaned; the validation scan reports those).
func (db *DB) DeleteDecision(ctx context.Context, userID string, id uuid.UUID) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM decisions WHERE id = $2 AND `+userScope("user_id", 1),
			userID, id,
		)
		if err != nil {
			return fmt.Errorf("storage: delete decision: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM edges WHERE source_id = $1 OR target_id = $1`, id,
		); err != nil {
			return fmt.Errorf("storage: detach edges: %w", err)
		}
		return nil
	})
}

// MarkReviewed resets the staleness clock for a decision.
func (db *DB) MarkReviewed(ctx context.Context, userID string, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET last_reviewed_at = $3 WHERE id = $2 AND `+userScope("user_id", 1),
		userID, id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: mark reviewed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireDecision stamps expired_at on a superseded decision.
func (db *DB) ExpireDecision(ctx context.Context, q Queryable, id uuid.UUID, at time.Time) error {
	_, err := q.Exec(ctx,
		`UPDATE decisions SET expired_at = $2 WHERE id = $1 AND expired_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: expire decision: %w", err)
	}
	return nil
}

// StaleDecisions returns non-expired decisions past their scope's review
// threshold, measured from last_reviewed_at (created_at if never
// reviewed). Thresholds in days by scope mirror Scope.StalenessThreshold.
func (db *DB) StaleDecisions(ctx context.Context, userID string, now time.Time) ([]model.DecisionTrace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE `+userScope("user_id", 1)+`
		   AND expired_at IS NULL
		   AND $2::timestamptz - COALESCE(last_reviewed_at, created_at) >
		       CASE scope
		         WHEN 'strategic' THEN INTERVAL '730 days'
		         WHEN 'architectural' THEN INTERVAL '180 days'
		         WHEN 'library' THEN INTERVAL '90 days'
		         WHEN 'config' THEN INTERVAL '30 days'
		         WHEN 'operational' THEN INTERVAL '14 days'
		         ELSE INTERVAL '90 days'
		       END
		 ORDER BY created_at ASC`,
		userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// LexicalResult pairs a decision with its normalized full-text score.
type LexicalResult struct {
	Decision model.DecisionTrace
	Score    float64
}

// LexicalSearchDecisions ranks decisions by full-text relevance against
// query. ts_rank output is divided by 10 and clipped to 1.0 so lexical
// and vector scores share a scale.
func (db *DB) LexicalSearchDecisions(ctx context.Context, userID, query, project string, limit int) ([]LexicalResult, error) {
	if limit <= 0 {
		limit = 20
	}
	where := ` WHERE ` + userScope("user_id", 1) + ` AND search @@ websearch_to_tsquery('english', $2)`
	args := []any{userID, query}
	if project != "" {
		where += ` AND project_name = $3`
		args = append(args, project)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+decisionColumns+`,
		 LEAST(ts_rank(search, websearch_to_tsquery('english', $2)) / 10.0, 1.0) AS score
		 FROM decisions%s ORDER BY score DESC LIMIT %d`,
		where, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: lexical search: %w", err)
	}
	defer rows.Close()

	var results []LexicalResult
	for rows.Next() {
		d, score, err := scanDecisionWithScore(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, LexicalResult{Decision: d, Score: score})
	}
	return results, rows.Err()
}

// SimilarResult pairs a decision with its cosine similarity to a query
// vector.
type SimilarResult struct {
	Decision   model.DecisionTrace
	Similarity float64
}

// SearchDecisionsByEmbedding is the pgvector fallback when Qdrant is
// unavailable: cosine similarity over stored decision embeddings.
func (db *DB) SearchDecisionsByEmbedding(ctx context.Context, userID string, embedding pgvector.Vector, project string, limit int) ([]SimilarResult, error) {
	if limit <= 0 {
		limit = 20
	}
	where := ` WHERE ` + userScope("user_id", 1) + ` AND embedding IS NOT NULL`
	args := []any{userID, embedding}
	if project != "" {
		where += ` AND project_name = $3`
		args = append(args, project)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+decisionColumns+`, 1 - (embedding <=> $2) AS similarity
		 FROM decisions%s ORDER BY similarity DESC LIMIT %d`,
		where, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: embedding search: %w", err)
	}
	defer rows.Close()

	var results []SimilarResult
	for rows.Next() {
		d, score, err := scanDecisionWithScore(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SimilarResult{Decision: d, Similarity: score})
	}
	return results, rows.Err()
}

// DecisionsWithEmbeddings returns every non-expired decision of the user
// that has an embedding, for batch pair analysis.
func (db *DB) DecisionsWithEmbeddings(ctx context.Context, userID string) ([]model.DecisionTrace, []pgvector.Vector, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+`, embedding FROM decisions
		 WHERE `+userScope("user_id", 1)+` AND expired_at IS NULL AND embedding IS NOT NULL
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: decisions with embeddings: %w", err)
	}
	defer rows.Close()

	var decisions []model.DecisionTrace
	var vectors []pgvector.Vector
	for rows.Next() {
		d, vec, err := scanDecisionWithVector(rows)
		if err != nil {
			return nil, nil, err
		}
		decisions = append(decisions, d)
		vectors = append(vectors, vec)
	}
	return decisions, vectors, rows.Err()
}

// RecentCrossUserDecisions returns the newest decisions belonging to
// other users in the given project, for the privacy-scoped overlap
// scan. Content never reaches the requesting user; only overlap
// notifications do. Empty project means any project.
func (db *DB) RecentCrossUserDecisions(ctx context.Context, excludeUserID, project string, limit int) ([]model.DecisionTrace, []pgvector.Vector, error) {
	if limit <= 0 {
		limit = 20
	}
	where := ` WHERE user_id IS NOT NULL AND user_id <> $1
		   AND expired_at IS NULL AND embedding IS NOT NULL`
	args := []any{excludeUserID}
	if project != "" {
		where += ` AND project_name = $2`
		args = append(args, project)
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+decisionColumns+`, embedding FROM decisions%s
		 ORDER BY created_at DESC LIMIT %d`, where, limit),
		args...,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: cross-user decisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.DecisionTrace
	var vectors []pgvector.Vector
	for rows.Next() {
		d, vec, err := scanDecisionWithVector(rows)
		if err != nil {
			return nil, nil, err
		}
		decisions = append(decisions, d)
		vectors = append(vectors, vec)
	}
	return decisions, vectors, rows.Err()
}

// CountDecisions returns the number of decisions visible to userID,
// optionally within a project.
func (db *DB) CountDecisions(ctx context.Context, userID, project string) (int, error) {
	query := `SELECT COUNT(*) FROM decisions WHERE ` + userScope("user_id", 1)
	args := []any{userID}
	if project != "" {
		query += ` AND project_name = $2`
		args = append(args, project)
	}
	var n int
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count decisions: %w", err)
	}
	return n, nil
}

func decisionWhere(userID string, f DecisionFilters) (string, []any) {
	conditions := []string{userScope("user_id", 1)}
	args := []any{userID}
	idx := 2

	add := func(cond string, val any) {
		conditions = append(conditions, fmt.Sprintf(cond, idx))
		args = append(args, val)
		idx++
	}

	if f.Project != "" {
		add("project_name = $%d", f.Project)
	}
	if f.Scope != "" {
		add("scope = $%d", f.Scope)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.MinConfidence > 0 {
		add("confidence >= $%d", f.MinConfidence)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}
	if !f.IncludeExpired {
		conditions = append(conditions, "expired_at IS NULL")
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanDecision(row pgx.Row) (model.DecisionTrace, error) {
	var d model.DecisionTrace
	err := row.Scan(
		&d.ID, &d.UserID, &d.ProjectName, &d.Trigger, &d.Context, &d.Options,
		&d.AgentDecision, &d.AgentRationale, &d.Confidence, &d.RawConfidence, &d.Scope, &d.Source,
		&d.VerbatimTrigger, &d.VerbatimDecision, &d.VerbatimRationale,
		&d.TriggerSpan, &d.DecisionSpan, &d.RationaleSpan,
		&d.RawRationale, &d.RationaleAuthor, &d.Assumptions, &d.TurnIndex, &d.Provenance,
		&d.CreatedAt, &d.EditedAt, &d.EditCount, &d.LastReviewedAt, &d.ExpiredAt,
	)
	return d, err
}

func scanDecisions(rows pgx.Rows) ([]model.DecisionTrace, error) {
	var decisions []model.DecisionTrace
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func scanDecisionWithScore(rows pgx.Rows) (model.DecisionTrace, float64, error) {
	var d model.DecisionTrace
	var score float64
	err := rows.Scan(
		&d.ID, &d.UserID, &d.ProjectName, &d.Trigger, &d.Context, &d.Options,
		&d.AgentDecision, &d.AgentRationale, &d.Confidence, &d.RawConfidence, &d.Scope, &d.Source,
		&d.VerbatimTrigger, &d.VerbatimDecision, &d.VerbatimRationale,
		&d.TriggerSpan, &d.DecisionSpan, &d.RationaleSpan,
		&d.RawRationale, &d.RationaleAuthor, &d.Assumptions, &d.TurnIndex, &d.Provenance,
		&d.CreatedAt, &d.EditedAt, &d.EditCount, &d.LastReviewedAt, &d.ExpiredAt,
		&score,
	)
	if err != nil {
		return model.DecisionTrace{}, 0, fmt.Errorf("storage: scan scored decision: %w", err)
	}
	return d, score, nil
}

func scanDecisionWithVector(rows pgx.Rows) (model.DecisionTrace, pgvector.Vector, error) {
	var d model.DecisionTrace
	var vec pgvector.Vector
	err := rows.Scan(
		&d.ID, &d.UserID, &d.ProjectName, &d.Trigger, &d.Context, &d.Options,
		&d.AgentDecision, &d.AgentRationale, &d.Confidence, &d.RawConfidence, &d.Scope, &d.Source,
		&d.VerbatimTrigger, &d.VerbatimDecision, &d.VerbatimRationale,
		&d.TriggerSpan, &d.DecisionSpan, &d.RationaleSpan,
		&d.RawRationale, &d.RationaleAuthor, &d.Assumptions, &d.TurnIndex, &d.Provenance,
		&d.CreatedAt, &d.EditedAt, &d.EditCount, &d.LastReviewedAt, &d.ExpiredAt,
		&vec,
	)
	if err != nil {
		return model.DecisionTrace{}, pgvector.Vector{}, fmt.Errorf("storage: scan decision with vector: %w", err)
	}
	return d, vec, nil
}
