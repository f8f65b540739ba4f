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

// GraphView is a renderable slice of the graph: decision and entity
// nodes plus the live edges among them.
type GraphView struct {
	Decisions []model.DecisionTrace `json:"decisions"`
	Entities  []model.Entity        `json:"entities"`
	Edges     []model.Edge          `json:"edges"`
}

// GraphPage returns one page of the user's graph, newest decisions
// first, with the entities and live edges reachable from that page.
// The returned total counts decisions, the paginated node kind.
func (db *DB) GraphPage(ctx context.Context, userID string, limit, offset int) (GraphView, int, error) {
	decisions, total, err := db.ListDecisions(ctx, userID, DecisionFilters{Limit: limit, Offset: offset})
	if err != nil {
		return GraphView{}, 0, err
	}
	view, err := db.attachNeighborhood(ctx, userID, decisions)
	if err != nil {
		return GraphView{}, 0, err
	}
	return view, total, nil
}

// GraphAll returns the user's entire graph. Unbounded; intended for
// export and small personal graphs.
func (db *DB) GraphAll(ctx context.Context, userID string) (GraphView, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE `+userScope("user_id", 1)+` ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return GraphView{}, fmt.Errorf("storage: graph all: %w", err)
	}
	defer rows.Close()
	decisions, err := scanDecisions(rows)
	if err != nil {
		return GraphView{}, err
	}
	return db.attachNeighborhood(ctx, userID, decisions)
}

// attachNeighborhood collects the live edges out of the given decisions
// and the entities those edges reach.
func (db *DB) attachNeighborhood(ctx context.Context, userID string, decisions []model.DecisionTrace) (GraphView, error) {
	view := GraphView{Decisions: decisions}
	if len(decisions) == 0 {
		return view, nil
	}

	ids := make([]uuid.UUID, len(decisions))
	for i, d := range decisions {
		ids[i] = d.ID
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE invalid_at IS NULL AND (source_id = ANY($1) OR target_id = ANY($1))`,
		ids,
	)
	if err != nil {
		return GraphView{}, fmt.Errorf("storage: graph edges: %w", err)
	}
	defer rows.Close()
	if view.Edges, err = scanEdges(rows); err != nil {
		return GraphView{}, err
	}

	entityIDs := map[uuid.UUID]struct{}{}
	for _, e := range view.Edges {
		if e.SourceKind == model.NodeEntity {
			entityIDs[e.SourceID] = struct{}{}
		}
		if e.TargetKind == model.NodeEntity {
			entityIDs[e.TargetID] = struct{}{}
		}
	}
	if len(entityIDs) == 0 {
		return view, nil
	}

	wanted := make([]uuid.UUID, 0, len(entityIDs))
	for id := range entityIDs {
		wanted = append(wanted, id)
	}
	erows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE id = ANY($2) AND `+userScope("user_id", 1),
		userID, wanted,
	)
	if err != nil {
		return GraphView{}, fmt.Errorf("storage: graph entities: %w", err)
	}
	defer erows.Close()
	if view.Entities, err = scanEntities(erows); err != nil {
		return GraphView{}, err
	}
	return view, nil
}

// GraphStats summarizes the user's graph for the stats endpoint.
type GraphStats struct {
	Decisions   int              `json:"decisions"`
	Entities    int              `json:"entities"`
	Candidates  int              `json:"candidates"`
	EdgesByType map[string]int   `json:"edges_by_type"`
	Projects    int              `json:"projects"`
}

// Stats counts the user's nodes and live edges grouped by type.
func (db *DB) Stats(ctx context.Context, userID string) (GraphStats, error) {
	stats := GraphStats{EdgesByType: map[string]int{}}

	err := db.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM decisions WHERE `+userScope("user_id", 1)+` AND expired_at IS NULL),
		   (SELECT COUNT(*) FROM entities WHERE `+userScope("user_id", 1)+`),
		   (SELECT COUNT(*) FROM candidate_decisions WHERE `+userScope("user_id", 1)+`),
		   (SELECT COUNT(DISTINCT project_name) FROM decisions
		    WHERE `+userScope("user_id", 1)+` AND project_name <> '')`,
		userID,
	).Scan(&stats.Decisions, &stats.Entities, &stats.Candidates, &stats.Projects)
	if err != nil {
		return GraphStats{}, fmt.Errorf("storage: graph stats: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT ed.type, COUNT(*)
		 FROM edges ed
		 WHERE ed.invalid_at IS NULL
		   AND EXISTS (
		     SELECT 1 FROM decisions d
		     WHERE (d.id = ed.source_id OR d.id = ed.target_id)
		       AND `+userScope("d.user_id", 1)+`)
		 GROUP BY ed.type`,
		userID,
	)
	if err != nil {
		return GraphStats{}, fmt.Errorf("storage: edge stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return GraphStats{}, fmt.Errorf("storage: scan edge stat: %w", err)
		}
		stats.EdgesByType[typ] = n
	}
	return stats, rows.Err()
}

// SourceStat counts decisions per origin source.
type SourceStat struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// DecisionSources returns the distinct decision sources with counts.
func (db *DB) DecisionSources(ctx context.Context, userID string) ([]SourceStat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source, COUNT(*) FROM decisions
		 WHERE `+userScope("user_id", 1)+`
		 GROUP BY source ORDER BY COUNT(*) DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decision sources: %w", err)
	}
	defer rows.Close()

	var out []SourceStat
	for rows.Next() {
		var s SourceStat
		if err := rows.Scan(&s.Source, &s.Count); err != nil {
			return nil, fmt.Errorf("storage: scan source stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DecisionProjects returns the distinct non-empty project names.
func (db *DB) DecisionProjects(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT project_name FROM decisions
		 WHERE `+userScope("user_id", 1)+` AND project_name <> ''
		 ORDER BY project_name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decision projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TimelineBucket is one day of decision activity.
type TimelineBucket struct {
	Day           time.Time `json:"day"`
	Count         int       `json:"count"`
	AvgConfidence float64   `json:"avg_confidence"`
}

// DecisionTimeline buckets the user's decisions by day, oldest first.
func (db *DB) DecisionTimeline(ctx context.Context, userID, project string) ([]TimelineBucket, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT date_trunc('day', created_at), COUNT(*), AVG(confidence)
		 FROM decisions
		 WHERE `+userScope("user_id", 1)+`
		   AND ($2 = '' OR project_name = $2)
		 GROUP BY 1 ORDER BY 1 ASC`,
		userID, project,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decision timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Day, &b.Count, &b.AvgConfidence); err != nil {
			return nil, fmt.Errorf("storage: scan timeline bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NodeEmbedding returns the stored embedding for a decision or entity
// node. ok is false when the node has no embedding yet.
func (db *DB) NodeEmbedding(ctx context.Context, userID string, id uuid.UUID, kind model.NodeKind) (pgvector.Vector, bool, error) {
	table := "decisions"
	if kind == model.NodeEntity {
		table = "entities"
	}
	var vec *pgvector.Vector
	err := db.pool.QueryRow(ctx,
		`SELECT embedding FROM `+table+` WHERE id = $2 AND `+userScope("user_id", 1),
		userID, id,
	).Scan(&vec)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pgvector.Vector{}, false, ErrNotFound
		}
		return pgvector.Vector{}, false, fmt.Errorf("storage: node embedding: %w", err)
	}
	if vec == nil {
		return pgvector.Vector{}, false, nil
	}
	return *vec, true, nil
}

// ErrEntityInUse is returned when deleting an entity that still has
// live edges and force was not requested.
var ErrEntityInUse = fmt.Errorf("storage: entity has live edges")

// DeleteEntity removes an entity. Without force the delete is refused
// while live edges still touch the entity; with force those edges are
// removed first.
func (db *DB) DeleteEntity(ctx context.Context, userID string, id uuid.UUID, force bool) error {
	if _, err := db.GetEntity(ctx, userID, id); err != nil {
		return err
	}

	var live int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM edges
		 WHERE invalid_at IS NULL AND (source_id = $1 OR target_id = $1)`,
		id,
	).Scan(&live)
	if err != nil {
		return fmt.Errorf("storage: count entity edges: %w", err)
	}
	if live > 0 && !force {
		return ErrEntityInUse
	}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM edges WHERE source_id = $1 OR target_id = $1`, id); err != nil {
			return fmt.Errorf("storage: delete entity edges: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id); err != nil {
			return fmt.Errorf("storage: delete entity: %w", err)
		}
		return nil
	})
}

// ResetUserData deletes everything the user owns. Shared (NULL-owner)
// entities survive; their edges to the user's decisions do not.
func (db *DB) ResetUserData(ctx context.Context, userID string) (map[string]int64, error) {
	counts := map[string]int64{}
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		del := func(label, query string) error {
			tag, err := tx.Exec(ctx, query, userID)
			if err != nil {
				return fmt.Errorf("storage: reset %s: %w", label, err)
			}
			counts[label] = tag.RowsAffected()
			return nil
		}

		if err := del("edges",
			`DELETE FROM edges ed
			 WHERE EXISTS (SELECT 1 FROM decisions d
			   WHERE (d.id = ed.source_id OR d.id = ed.target_id) AND d.user_id = $1)
			    OR EXISTS (SELECT 1 FROM entities e
			   WHERE (e.id = ed.source_id OR e.id = ed.target_id) AND e.user_id = $1)`); err != nil {
			return err
		}
		if err := del("candidates", `DELETE FROM candidate_decisions WHERE user_id = $1`); err != nil {
			return err
		}
		if err := del("code_entities", `DELETE FROM code_entities WHERE user_id = $1`); err != nil {
			return err
		}
		if err := del("commits", `DELETE FROM commits WHERE user_id = $1`); err != nil {
			return err
		}
		if err := del("decisions", `DELETE FROM decisions WHERE user_id = $1`); err != nil {
			return err
		}
		if err := del("entities", `DELETE FROM entities WHERE user_id = $1`); err != nil {
			return err
		}
		if err := del("notifications", `DELETE FROM notifications WHERE user_id = $1`); err != nil {
			return err
		}
		if err := del("sessions", `DELETE FROM capture_sessions WHERE user_id = $1`); err != nil {
			return err
		}
		return del("ingested_files", `DELETE FROM ingested_files WHERE user_id = $1`)
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
