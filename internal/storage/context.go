package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
)

// RelatedEntities returns entities that co-occur with entityID on at
// least one live decision, ranked by how many decisions they share.
func (db *DB) RelatedEntities(ctx context.Context, userID string, entityID uuid.UUID, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT e.id, e.user_id, e.name, e.type, e.aliases, e.created_at,
		        COUNT(DISTINCT a.source_id) AS shared
		 FROM edges a
		 JOIN edges b ON b.source_id = a.source_id
		   AND b.type = a.type AND b.invalid_at IS NULL AND b.target_id <> a.target_id
		 JOIN entities e ON e.id = b.target_id
		 WHERE a.target_id = $2 AND a.type = $3 AND a.invalid_at IS NULL
		   AND `+userScope("e.user_id", 1)+`
		 GROUP BY e.id
		 ORDER BY shared DESC, e.name ASC
		 LIMIT %d`, limit),
		userID, entityID, model.EdgeInvolves,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: related entities: %w", err)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Aliases, &e.CreatedAt, &e.DecisionCount); err != nil {
			return nil, fmt.Errorf("storage: scan related entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SupersededBy maps each superseded decision of the user to the newer
// decision that replaced it, from live SUPERSEDES edges.
func (db *DB) SupersededBy(ctx context.Context, userID string) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ed.source_id, ed.target_id
		 FROM edges ed
		 JOIN decisions d ON d.id = ed.target_id
		 WHERE ed.type = $2 AND ed.invalid_at IS NULL AND `+userScope("d.user_id", 1),
		userID, model.EdgeSupersedes,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: superseded by: %w", err)
	}
	defer rows.Close()

	// source = newer, target = older.
	out := map[uuid.UUID]uuid.UUID{}
	for rows.Next() {
		var newer, older uuid.UUID
		if err := rows.Scan(&newer, &older); err != nil {
			return nil, fmt.Errorf("storage: scan supersedes edge: %w", err)
		}
		out[older] = newer
	}
	return out, rows.Err()
}

// ContradictionEdges returns live CONTRADICTS edges where at least one
// endpoint belongs to the user.
func (db *DB) ContradictionEdges(ctx context.Context, userID string) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+qualifyColumns(edgeColumns, "ed")+`
		 FROM edges ed
		 WHERE ed.type = $2 AND ed.invalid_at IS NULL
		   AND EXISTS (
		     SELECT 1 FROM decisions d
		     WHERE d.id IN (ed.source_id, ed.target_id) AND `+userScope("d.user_id", 1)+`)`,
		userID, model.EdgeContradicts,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: contradiction edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// EntityTypeStat aggregates the user's coverage of one entity type.
type EntityTypeStat struct {
	Type          model.EntityType
	DecisionCount int
	AvgConfidence float64
}

// EntityTypeStats returns, per entity type the user has, the number of
// live decisions touching that type and their average confidence. Types
// with no entities are absent.
func (db *DB) EntityTypeStats(ctx context.Context, userID string) ([]EntityTypeStat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.type,
		        COUNT(DISTINCT d.id) AS decision_count,
		        COALESCE(AVG(d.confidence), 0) AS avg_confidence
		 FROM entities e
		 LEFT JOIN edges ed ON ed.target_id = e.id AND ed.type = $2 AND ed.invalid_at IS NULL
		 LEFT JOIN decisions d ON d.id = ed.source_id AND d.expired_at IS NULL
		 WHERE `+userScope("e.user_id", 1)+`
		 GROUP BY e.type
		 ORDER BY e.type`,
		userID, model.EdgeInvolves,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity type stats: %w", err)
	}
	defer rows.Close()

	var stats []EntityTypeStat
	for rows.Next() {
		var s EntityTypeStat
		if err := rows.Scan(&s.Type, &s.DecisionCount, &s.AvgConfidence); err != nil {
			return nil, fmt.Errorf("storage: scan entity type stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
