package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/engramhq/engram/internal/model"
)

// SharedEntityCount pairs an older decision with the number of involved
// entities it shares with a new decision's entity set.
type SharedEntityCount struct {
	DecisionID uuid.UUID
	Shared     int
	CreatedAt  time.Time
}

// DecisionsSharingEntities returns decisions of the user created before
// the given time that share at least minShared live INVOLVES targets
// with entityIDs. Feeds INFLUENCED_BY edge creation.
func (db *DB) DecisionsSharingEntities(ctx context.Context, userID string, entityIDs []uuid.UUID, before time.Time, exclude uuid.UUID, minShared int) ([]SharedEntityCount, error) {
	if len(entityIDs) == 0 || minShared <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT d.id, COUNT(DISTINCT ed.target_id) AS shared, d.created_at
		 FROM edges ed
		 JOIN decisions d ON d.id = ed.source_id
		 WHERE ed.type = 'INVOLVES' AND ed.invalid_at IS NULL
		   AND ed.target_id = ANY($2)
		   AND `+userScope("d.user_id", 1)+`
		   AND d.created_at < $3 AND d.id <> $4
		 GROUP BY d.id, d.created_at
		 HAVING COUNT(DISTINCT ed.target_id) >= $5
		 ORDER BY d.created_at DESC`,
		userID, entityIDs, before, exclude, minShared,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decisions sharing entities: %w", err)
	}
	defer rows.Close()

	var out []SharedEntityCount
	for rows.Next() {
		var sc SharedEntityCount
		if err := rows.Scan(&sc.DecisionID, &sc.Shared, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan shared entity count: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// EarlierDecisionsInProject returns ids of the user's decisions in the
// project with a turn_index strictly below turn. Feeds FOLLOWS/PRECEDES
// ordering.
func (db *DB) EarlierDecisionsInProject(ctx context.Context, userID, project string, turn int, exclude uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM decisions
		 WHERE `+userScope("user_id", 1)+`
		   AND project_name = $2 AND turn_index IS NOT NULL
		   AND turn_index < $3 AND id <> $4
		 ORDER BY turn_index ASC`,
		userID, project, turn, exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: earlier decisions in project: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan decision id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EntityNames maps the user's entity ids to their names, for rendering
// cycle reports without per-node lookups.
func (db *DB) EntityNames(ctx context.Context, userID string) (map[uuid.UUID]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name FROM entities WHERE `+userScope("user_id", 1),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity names: %w", err)
	}
	defer rows.Close()

	names := map[uuid.UUID]string{}
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("storage: scan entity name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

// DecisionEntityIDs returns the live INVOLVES entity set per decision of
// the user, the grouping input for batch pair analysis.
func (db *DB) DecisionEntityIDs(ctx context.Context, userID string) (map[uuid.UUID][]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ed.source_id, ed.target_id
		 FROM edges ed
		 JOIN decisions d ON d.id = ed.source_id
		 WHERE ed.type = 'INVOLVES' AND ed.invalid_at IS NULL
		   AND `+userScope("d.user_id", 1),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decision entity ids: %w", err)
	}
	defer rows.Close()

	sets := map[uuid.UUID][]uuid.UUID{}
	for rows.Next() {
		var decisionID, entityID uuid.UUID
		if err := rows.Scan(&decisionID, &entityID); err != nil {
			return nil, fmt.Errorf("storage: scan decision entity pair: %w", err)
		}
		sets[decisionID] = append(sets[decisionID], entityID)
	}
	return sets, rows.Err()
}

// MistypedEdges returns live edges whose type does not fit their
// endpoint kinds: entity relationships between decisions, or
// decision relationships between entities.
func (db *DB) MistypedEdges(ctx context.Context, entityTypes, decisionTypes []string) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE invalid_at IS NULL
		   AND ((type = ANY($1) AND (source_kind = 'decision' OR target_kind = 'decision'))
		     OR (type = ANY($2) AND source_kind = 'entity' AND target_kind = 'entity'))`,
		entityTypes, decisionTypes,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: mistyped edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// NodesMissingEmbeddings returns the user's decision and entity ids
// without a stored embedding; those nodes are invisible to semantic
// search until re-embedded.
func (db *DB) NodesMissingEmbeddings(ctx context.Context, userID string) (decisions, entities []uuid.UUID, err error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, 'decision' FROM decisions
		 WHERE `+userScope("user_id", 1)+` AND expired_at IS NULL AND embedding IS NULL
		 UNION ALL
		 SELECT id, 'entity' FROM entities
		 WHERE `+userScope("user_id", 1)+` AND embedding IS NULL`,
		userID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: nodes missing embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, nil, fmt.Errorf("storage: scan missing embedding: %w", err)
		}
		if kind == "decision" {
			decisions = append(decisions, id)
		} else {
			entities = append(entities, id)
		}
	}
	return decisions, entities, rows.Err()
}

// SetDecisionEmbedding replaces the stored embedding after an edit to the
// decision's text fields.
func (db *DB) SetDecisionEmbedding(ctx context.Context, q Queryable, id uuid.UUID, embedding pgvector.Vector) error {
	_, err := q.Exec(ctx,
		`UPDATE decisions SET embedding = $2 WHERE id = $1`,
		id, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: set decision embedding: %w", err)
	}
	return nil
}
