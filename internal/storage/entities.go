package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/engramhq/engram/internal/model"
)

const entityColumns = `id, user_id, name, type, aliases, created_at`

// UpsertEntity inserts an entity or, when one with the same normalized
// name already exists for the user, merges aliases into the existing row.
// The returned entity reflects the stored row either way.
func (db *DB) UpsertEntity(ctx context.Context, q Queryable, e *model.Entity) (model.Entity, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Aliases == nil {
		e.Aliases = []string{}
	}

	row := q.QueryRow(ctx,
		`INSERT INTO entities (id, user_id, name, type, aliases, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (coalesce(user_id, ''), lower(name)) DO UPDATE SET
		   aliases = (
		     SELECT coalesce(jsonb_agg(DISTINCT a), '[]'::jsonb)
		     FROM jsonb_array_elements_text(entities.aliases || EXCLUDED.aliases) AS t(a)
		   )
		 RETURNING `+entityColumns,
		e.ID, e.UserID, e.Name, e.Type, e.Aliases, e.Embedding, e.CreatedAt,
	)
	stored, err := scanEntity(row)
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: upsert entity: %w", err)
	}
	return stored, nil
}

// GetEntity retrieves an entity by id, scoped to userID.
func (db *DB) GetEntity(ctx context.Context, userID string, id uuid.UUID) (model.Entity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $2 AND `+userScope("user_id", 1),
		userID, id,
	)
	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// FindEntityByName looks up an entity by exact normalized name or alias.
// User-owned rows win over global rows with the same name.
func (db *DB) FindEntityByName(ctx context.Context, userID, name string) (model.Entity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE `+userScope("user_id", 1)+`
		   AND (lower(name) = lower($2) OR aliases @> to_jsonb(ARRAY[lower($2)]))
		 ORDER BY (user_id IS NOT NULL) DESC
		 LIMIT 1`,
		userID, name,
	)
	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: find entity by name: %w", err)
	}
	return e, nil
}

// AddEntityAlias appends an alias (lowercased) if not already present.
func (db *DB) AddEntityAlias(ctx context.Context, q Queryable, id uuid.UUID, alias string) error {
	_, err := q.Exec(ctx,
		`UPDATE entities
		 SET aliases = aliases || to_jsonb(ARRAY[lower($2)])
		 WHERE id = $1 AND NOT aliases @> to_jsonb(ARRAY[lower($2)])`,
		id, alias,
	)
	if err != nil {
		return fmt.Errorf("storage: add alias: %w", err)
	}
	return nil
}

// SetEntityEmbedding stores the name embedding for semantic matching.
func (db *DB) SetEntityEmbedding(ctx context.Context, q Queryable, id uuid.UUID, embedding pgvector.Vector) error {
	_, err := q.Exec(ctx,
		`UPDATE entities SET embedding = $2 WHERE id = $1`, id, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: set entity embedding: %w", err)
	}
	return nil
}

// ListEntitiesPage returns one page of entities of a type, ordered by
// name for a stable scan. The fuzzy resolution stage pages through these.
func (db *DB) ListEntitiesPage(ctx context.Context, userID string, typ model.EntityType, limit, offset int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+entityColumns+` FROM entities
		 WHERE `+userScope("user_id", 1)+` AND type = $2
		 ORDER BY name ASC LIMIT %d OFFSET %d`, limit, offset),
		userID, typ,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities page: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// EntitySimilarity pairs an entity with cosine similarity to a query
// vector.
type EntitySimilarity struct {
	Entity     model.Entity
	Similarity float64
}

// FindEntitiesByEmbedding returns the nearest entities of a type by
// embedding distance.
func (db *DB) FindEntitiesByEmbedding(ctx context.Context, userID string, typ model.EntityType, embedding pgvector.Vector, limit int) ([]EntitySimilarity, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+entityColumns+`, 1 - (embedding <=> $3) AS similarity
		 FROM entities
		 WHERE `+userScope("user_id", 1)+` AND type = $2 AND embedding IS NOT NULL
		 ORDER BY similarity DESC LIMIT %d`, limit),
		userID, typ, embedding,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity embedding search: %w", err)
	}
	defer rows.Close()

	var results []EntitySimilarity
	for rows.Next() {
		var e model.Entity
		var sim float64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Aliases, &e.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("storage: scan entity similarity: %w", err)
		}
		results = append(results, EntitySimilarity{Entity: e, Similarity: sim})
	}
	return results, rows.Err()
}

// SearchEntitiesByName matches entities whose name or an alias contains
// the query, any type. Exact name matches score 1.0, prefix matches
// 0.9, substring and alias matches 0.7.
func (db *DB) SearchEntitiesByName(ctx context.Context, userID, query string, limit int) ([]EntitySimilarity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+entityColumns+`,
		 CASE
		   WHEN lower(name) = lower($2) THEN 1.0
		   WHEN lower(name) LIKE lower($2) || '%%' THEN 0.9
		   ELSE 0.7
		 END AS score
		 FROM entities
		 WHERE `+userScope("user_id", 1)+`
		   AND (name ILIKE '%%' || $2 || '%%'
		        OR EXISTS (
		            SELECT 1 FROM jsonb_array_elements_text(aliases) a
		            WHERE a ILIKE '%%' || $2 || '%%'))
		 ORDER BY score DESC, name ASC LIMIT %d`, limit),
		userID, query,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity name search: %w", err)
	}
	defer rows.Close()

	var results []EntitySimilarity
	for rows.Next() {
		var e model.Entity
		var score float64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Aliases, &e.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("storage: scan entity name match: %w", err)
		}
		results = append(results, EntitySimilarity{Entity: e, Similarity: score})
	}
	return results, rows.Err()
}

// SearchEntitiesByEmbedding is the any-type variant used by hybrid
// retrieval; FindEntitiesByEmbedding stays type-scoped for the
// resolution cascade.
func (db *DB) SearchEntitiesByEmbedding(ctx context.Context, userID string, embedding pgvector.Vector, limit int) ([]EntitySimilarity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+entityColumns+`, 1 - (embedding <=> $2) AS similarity
		 FROM entities
		 WHERE `+userScope("user_id", 1)+` AND embedding IS NOT NULL
		 ORDER BY similarity DESC LIMIT %d`, limit),
		userID, embedding,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entity embedding search: %w", err)
	}
	defer rows.Close()

	var results []EntitySimilarity
	for rows.Next() {
		var e model.Entity
		var sim float64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Aliases, &e.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("storage: scan entity similarity: %w", err)
		}
		results = append(results, EntitySimilarity{Entity: e, Similarity: sim})
	}
	return results, rows.Err()
}

// MergeEntities folds duplicate dupID into keepID: edges are repointed,
// the duplicate's name and aliases become aliases of the kept entity,
// and the duplicate row is removed.
func (db *DB) MergeEntities(ctx context.Context, keepID, dupID uuid.UUID) error {
	if keepID == dupID {
		return fmt.Errorf("storage: merge entities: keep and duplicate are the same")
	}
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		var dupName string
		var dupAliases []string
		err := tx.QueryRow(ctx,
			`SELECT name, aliases FROM entities WHERE id = $1`, dupID,
		).Scan(&dupName, &dupAliases)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("storage: load duplicate entity: %w", err)
		}

		// Drop edges that would collide with an existing live edge of the
		// kept entity, then repoint the rest.
		if _, err := tx.Exec(ctx,
			`DELETE FROM edges e WHERE e.source_id = $1 AND EXISTS (
			   SELECT 1 FROM edges k
			   WHERE k.source_id = $2 AND k.target_id = e.target_id
			     AND k.type = e.type AND k.invalid_at IS NULL)`,
			dupID, keepID,
		); err != nil {
			return fmt.Errorf("storage: drop colliding source edges: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM edges e WHERE e.target_id = $1 AND EXISTS (
			   SELECT 1 FROM edges k
			   WHERE k.target_id = $2 AND k.source_id = e.source_id
			     AND k.type = e.type AND k.invalid_at IS NULL)`,
			dupID, keepID,
		); err != nil {
			return fmt.Errorf("storage: drop colliding target edges: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE edges SET source_id = $2 WHERE source_id = $1`, dupID, keepID,
		); err != nil {
			return fmt.Errorf("storage: repoint source edges: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE edges SET target_id = $2 WHERE target_id = $1`, dupID, keepID,
		); err != nil {
			return fmt.Errorf("storage: repoint target edges: %w", err)
		}

		merged := append([]string{dupName}, dupAliases...)
		for _, alias := range merged {
			if _, err := tx.Exec(ctx,
				`UPDATE entities
				 SET aliases = aliases || to_jsonb(ARRAY[lower($2)])
				 WHERE id = $1 AND NOT aliases @> to_jsonb(ARRAY[lower($2)])`,
				keepID, alias,
			); err != nil {
				return fmt.Errorf("storage: merge alias: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, dupID); err != nil {
			return fmt.Errorf("storage: delete duplicate entity: %w", err)
		}
		return nil
	})
}

// EntitiesForDecision returns the entities a decision involves via live
// INVOLVES edges.
func (db *DB) EntitiesForDecision(ctx context.Context, decisionID uuid.UUID) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.user_id, e.name, e.type, e.aliases, e.created_at
		 FROM entities e
		 JOIN edges ed ON ed.target_id = e.id
		 WHERE ed.source_id = $1 AND ed.type = $2 AND ed.invalid_at IS NULL
		 ORDER BY e.name`,
		decisionID, model.EdgeInvolves,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: entities for decision: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// DecisionsForEntity returns non-expired decisions that involve the
// entity, newest first.
func (db *DB) DecisionsForEntity(ctx context.Context, userID string, entityID uuid.UUID, limit int) ([]model.DecisionTrace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+decisionColumns+` FROM decisions d
		 JOIN edges ed ON ed.source_id = d.id
		 WHERE ed.target_id = $2 AND ed.type = $3 AND ed.invalid_at IS NULL
		   AND `+userScope("d.user_id", 1)+` AND d.expired_at IS NULL
		 ORDER BY d.created_at DESC LIMIT %d`, limit),
		userID, entityID, model.EdgeInvolves,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decisions for entity: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// TopEntities returns the user's entities ranked by how many live
// decisions involve them.
func (db *DB) TopEntities(ctx context.Context, userID string, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT e.id, e.user_id, e.name, e.type, e.aliases, e.created_at,
		        COUNT(ed.id) AS decision_count
		 FROM entities e
		 LEFT JOIN edges ed ON ed.target_id = e.id AND ed.type = $2 AND ed.invalid_at IS NULL
		 WHERE `+userScope("e.user_id", 1)+`
		 GROUP BY e.id
		 ORDER BY decision_count DESC, e.name ASC
		 LIMIT %d`, limit),
		userID, model.EdgeInvolves,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: top entities: %w", err)
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Aliases, &e.CreatedAt, &e.DecisionCount); err != nil {
			return nil, fmt.Errorf("storage: scan top entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// OrphanEntities returns user-owned entities no live INVOLVES edge
// reaches, flagged by the validation scan.
func (db *DB) OrphanEntities(ctx context.Context, userID string) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities e
		 WHERE e.user_id = $1 AND NOT EXISTS (
		   SELECT 1 FROM edges ed
		   WHERE ed.target_id = e.id AND ed.type = $2 AND ed.invalid_at IS NULL)`,
		userID, model.EdgeInvolves,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: orphan entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func scanEntity(row pgx.Row) (model.Entity, error) {
	var e model.Entity
	err := row.Scan(&e.ID, &e.UserID, &e.Name, &e.Type, &e.Aliases, &e.CreatedAt)
	return e, err
}

func scanEntities(rows pgx.Rows) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
