package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engramhq/engram/internal/model"
)

const edgeColumns = `id, type, source_id, source_kind, target_id, target_kind,
	confidence, weight, reasoning, properties, valid_at, invalid_at, created_at`

// InsertEdge writes an edge. A live edge with the same (type, source,
// target) already present is left untouched; the stored edge id is not
// reported back in that case.
func (db *DB) InsertEdge(ctx context.Context, q Queryable, e *model.Edge) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}

	_, err := q.Exec(ctx,
		`INSERT INTO edges (id, type, source_id, source_kind, target_id, target_kind,
		 confidence, weight, reasoning, properties, valid_at, invalid_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (type, source_id, target_id) WHERE invalid_at IS NULL DO NOTHING`,
		e.ID, e.Type, e.SourceID, e.SourceKind, e.TargetID, e.TargetKind,
		e.Confidence, e.Weight, e.Reasoning, e.Properties, e.ValidAt, e.InvalidAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert edge: %w", err)
	}
	return nil
}

// InvalidateEdges stamps invalid_at on live edges of a type from a
// source node. Used to close INVOLVES edges when a decision is
// superseded, preserving them for point-in-time queries.
func (db *DB) InvalidateEdges(ctx context.Context, q Queryable, sourceID uuid.UUID, typ model.EdgeType, at time.Time) error {
	_, err := q.Exec(ctx,
		`UPDATE edges SET invalid_at = $3
		 WHERE source_id = $1 AND type = $2 AND invalid_at IS NULL`,
		sourceID, typ, at,
	)
	if err != nil {
		return fmt.Errorf("storage: invalidate edges: %w", err)
	}
	return nil
}

// EdgesBySource returns live edges out of a node, optionally restricted
// to the given types.
func (db *DB) EdgesBySource(ctx context.Context, sourceID uuid.UUID, types ...model.EdgeType) ([]model.Edge, error) {
	return db.edgesByEndpoint(ctx, "source_id", sourceID, types)
}

// EdgesByTarget returns live edges into a node, optionally restricted to
// the given types.
func (db *DB) EdgesByTarget(ctx context.Context, targetID uuid.UUID, types ...model.EdgeType) ([]model.Edge, error) {
	return db.edgesByEndpoint(ctx, "target_id", targetID, types)
}

func (db *DB) edgesByEndpoint(ctx context.Context, column string, id uuid.UUID, types []model.EdgeType) ([]model.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE ` + column + ` = $1 AND invalid_at IS NULL`
	args := []any{id}
	if len(types) > 0 {
		strs := make([]string, len(types))
		for i, t := range types {
			strs[i] = string(t)
		}
		query += ` AND type = ANY($2)`
		args = append(args, strs)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: edges by %s: %w", column, err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// AdjacentDecisionEdges returns live decision-to-decision edges touching
// the node in either direction. Graph expansion in retrieval walks these.
func (db *DB) AdjacentDecisionEdges(ctx context.Context, decisionID uuid.UUID) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE (source_id = $1 OR target_id = $1)
		   AND source_kind = $2 AND target_kind = $2
		   AND invalid_at IS NULL`,
		decisionID, model.NodeDecision,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: adjacent decision edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// LiveEntityEdges returns the user's live entity-to-entity edges of the
// given types, the adjacency set for cycle detection.
func (db *DB) LiveEntityEdges(ctx context.Context, userID string, types []model.EdgeType) ([]model.Edge, error) {
	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+edgeColumnsQualified("ed")+` FROM edges ed
		 JOIN entities src ON src.id = ed.source_id
		 WHERE ed.type = ANY($2) AND ed.invalid_at IS NULL
		   AND ed.source_kind = $3 AND ed.target_kind = $3
		   AND `+userScope("src.user_id", 1)+`
		 ORDER BY ed.created_at ASC`,
		userID, strs, model.NodeEntity,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: live entity edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// LowConfidenceEdges returns the user's live edges below a confidence
// threshold, for the validation scan.
func (db *DB) LowConfidenceEdges(ctx context.Context, userID string, threshold float64) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+edgeColumnsQualified("ed")+` FROM edges ed
		 LEFT JOIN decisions d ON d.id = ed.source_id AND ed.source_kind = 'decision'
		 LEFT JOIN entities e ON e.id = ed.source_id AND ed.source_kind = 'entity'
		 WHERE ed.invalid_at IS NULL
		   AND ed.confidence IS NOT NULL AND ed.confidence < $2
		   AND (`+userScope("d.user_id", 1)+` OR `+userScope("e.user_id", 1)+`)`,
		userID, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: low confidence edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// SelfReferentialEdges returns live edges whose endpoints are the same
// node.
func (db *DB) SelfReferentialEdges(ctx context.Context) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE source_id = target_id AND invalid_at IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: self-referential edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// DeleteEdge removes an edge outright. Prefer InvalidateEdges for
// anything with temporal meaning.
func (db *DB) DeleteEdge(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM edges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func edgeColumnsQualified(alias string) string {
	return qualifyColumns(edgeColumns, alias)
}

// qualifyColumns prefixes each column in a comma-separated list with a
// table alias, for joins that select whole rows from two tables.
func qualifyColumns(columns, alias string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanEdges(rows pgx.Rows) ([]model.Edge, error) {
	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		if err := rows.Scan(
			&e.ID, &e.Type, &e.SourceID, &e.SourceKind, &e.TargetID, &e.TargetKind,
			&e.Confidence, &e.Weight, &e.Reasoning, &e.Properties, &e.ValidAt, &e.InvalidAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
