// Package decisions is the graph writer: it turns a validated
// DecisionTrace into a node plus its outgoing edges (INVOLVES,
// SIMILAR_TO, INFLUENCED_BY, FOLLOWS/PRECEDES, REJECTED_BY, AFFECTS and
// typed entity-to-entity relationships), all scoped to the owning user.
//
// Both the HTTP API and the MCP server delegate here, so embedding
// generation, entity resolution, transactional writes, and cache
// invalidation behave identically across interfaces.
package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
	"github.com/engramhq/engram/internal/search"
	"github.com/engramhq/engram/internal/service/embedding"
	"github.com/engramhq/engram/internal/storage"
	"github.com/engramhq/engram/internal/telemetry"

	"github.com/jackc/pgx/v5"
)

// Config tunes edge creation during a save.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a
	// SIMILAR_TO edge; HighSimilarityThreshold marks the "high" tier.
	SimilarityThreshold     float64
	HighSimilarityThreshold float64
	SimilarEdgeLimit        int
	SharedEntityMin         int
}

func (c *Config) defaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.7
	}
	if c.HighSimilarityThreshold <= 0 {
		c.HighSimilarityThreshold = 0.85
	}
	if c.SimilarEdgeLimit <= 0 {
		c.SimilarEdgeLimit = 5
	}
	if c.SharedEntityMin <= 0 {
		c.SharedEntityMin = 2
	}
}

// CrossUserScanner is notified after a save commits, to look for
// contradictions with other users' recent decisions in the same project.
type CrossUserScanner interface {
	ScanOnSave(ctx context.Context, userID string, d model.DecisionTrace)
}

// Service is the graph writer.
type Service struct {
	db       *storage.DB
	embedder embedding.Provider
	resolver *resolve.Resolver
	infra    *llm.Infra
	store    *kv.Store
	scanner  CrossUserScanner
	cfg      Config
	logger   *slog.Logger

	saveDuration metric.Float64Histogram
	savedCount   metric.Int64Counter
}

// New creates the graph writer. store may be nil (cache invalidation
// degrades to a no-op).
func New(db *storage.DB, embedder embedding.Provider, resolver *resolve.Resolver, infra *llm.Infra, store *kv.Store, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	meter := telemetry.Meter("engram/decisions")
	saveDur, _ := meter.Float64Histogram("engram.decisions.save.duration",
		metric.WithDescription("Time to persist a decision with its edges (ms)"),
		metric.WithUnit("ms"),
	)
	saved, _ := meter.Int64Counter("engram.decisions.saved",
		metric.WithDescription("Decisions written to the graph"),
	)
	return &Service{
		db:           db,
		embedder:     embedder,
		resolver:     resolver,
		infra:        infra,
		store:        store,
		cfg:          cfg,
		logger:       logger,
		saveDuration: saveDur,
		savedCount:   saved,
	}
}

// SetCrossUserScanner wires the post-save contradiction scan. Set once
// during startup, before the service receives traffic.
func (s *Service) SetCrossUserScanner(sc CrossUserScanner) { s.scanner = sc }

// SaveResult reports what a save produced beyond the node itself.
type SaveResult struct {
	Decision model.DecisionTrace `json:"decision"`
	Entities []resolve.Result    `json:"entities"`
	// SimilarIDs lists existing decisions linked via SIMILAR_TO;
	// SupersedeCandidateIDs is the high-similarity subset worth a
	// supersedes/contradicts review.
	SimilarIDs            []uuid.UUID `json:"similar_ids,omitempty"`
	SupersedeCandidateIDs []uuid.UUID `json:"supersede_candidate_ids,omitempty"`
}

// Save persists a decision and its edges. Entity resolution, embedding,
// and LLM relationship extraction happen before the transaction; every
// graph write and the search-index outbox row commit atomically.
func (s *Service) Save(ctx context.Context, userID string, d *model.DecisionTrace) (SaveResult, error) {
	if userID == "" {
		return SaveResult{}, fmt.Errorf("decisions: save requires a user id")
	}
	if strings.TrimSpace(d.AgentDecision) == "" {
		return SaveResult{}, fmt.Errorf("decisions: empty decision text")
	}
	d.UserID = &userID
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Scope == "" {
		d.Scope = model.ScopeUnknown
	}
	if d.Source == "" {
		d.Source = model.SourceUnknown
	}

	start := time.Now()

	// Embedding failures degrade to a save without vectors; a dimension
	// mismatch is a configuration error and fails the save.
	if vec, err := s.embedder.Embed(ctx, d.EmbeddingText()); err != nil {
		s.logger.Warn("decisions: embedding failed, saving without", "error", err)
	} else if got, want := len(vec.Slice()), s.embedder.Dimensions(); got != want {
		return SaveResult{}, fmt.Errorf("decisions: embedding dimension mismatch: got %d, want %d", got, want)
	} else {
		d.Embedding = &vec
	}

	entities := s.extractEntities(ctx, userID, d)
	resolved, err := s.resolver.ResolveBatch(ctx, userID, entities)
	if err != nil {
		return SaveResult{}, fmt.Errorf("decisions: resolve entities: %w", err)
	}
	relEdges := s.extractRelations(ctx, userID, d, resolved)
	similar := s.similarDecisions(ctx, userID, d)

	entityIDs := make([]uuid.UUID, len(resolved))
	for i, res := range resolved {
		entityIDs[i] = res.Entity.ID
	}
	shared, err := s.db.DecisionsSharingEntities(ctx, userID, entityIDs, d.CreatedAt, d.ID, s.cfg.SharedEntityMin)
	if err != nil {
		return SaveResult{}, err
	}
	var earlier []uuid.UUID
	if d.TurnIndex != nil && d.ProjectName != "" {
		earlier, err = s.db.EarlierDecisionsInProject(ctx, userID, d.ProjectName, *d.TurnIndex, d.ID)
		if err != nil {
			return SaveResult{}, err
		}
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.db.InsertDecision(ctx, tx, d); err != nil {
			return err
		}

		for _, res := range resolved {
			weight := d.Confidence
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgeInvolves,
				SourceID:   d.ID,
				SourceKind: model.NodeDecision,
				TargetID:   res.Entity.ID,
				TargetKind: model.NodeEntity,
				Weight:     &weight,
				ValidAt:    &d.CreatedAt,
			}); err != nil {
				return err
			}
		}

		for i := range relEdges {
			relEdges[i].ValidAt = &d.CreatedAt
			if err := s.db.InsertEdge(ctx, tx, &relEdges[i]); err != nil {
				return err
			}
		}

		for _, hit := range similar {
			score := hit.Score
			tier := "moderate"
			if score >= s.cfg.HighSimilarityThreshold {
				tier = "high"
			}
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgeSimilarTo,
				SourceID:   d.ID,
				SourceKind: model.NodeDecision,
				TargetID:   hit.ID,
				TargetKind: model.NodeDecision,
				Confidence: &score,
				Properties: map[string]any{"score": score, "tier": tier},
			}); err != nil {
				return err
			}
		}

		for _, sc := range shared {
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgeInfluencedBy,
				SourceID:   d.ID,
				SourceKind: model.NodeDecision,
				TargetID:   sc.DecisionID,
				TargetKind: model.NodeDecision,
				Properties: map[string]any{"shared_entities": sc.Shared},
			}); err != nil {
				return err
			}
		}

		for _, prevID := range earlier {
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgeFollows,
				SourceID:   d.ID,
				SourceKind: model.NodeDecision,
				TargetID:   prevID,
				TargetKind: model.NodeDecision,
			}); err != nil {
				return err
			}
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgePrecedes,
				SourceID:   prevID,
				SourceKind: model.NodeDecision,
				TargetID:   d.ID,
				TargetKind: model.NodeDecision,
			}); err != nil {
				return err
			}
		}

		for _, opt := range rejectedOptions(d) {
			cand := model.CandidateDecision{
				UserID:               &userID,
				Text:                 opt,
				RejectedAt:           d.CreatedAt,
				RejectedByDecisionID: d.ID,
			}
			if err := s.db.InsertCandidate(ctx, tx, &cand); err != nil {
				return err
			}
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgeRejectedBy,
				SourceID:   cand.ID,
				SourceKind: model.NodeCandidate,
				TargetID:   d.ID,
				TargetKind: model.NodeDecision,
			}); err != nil {
				return err
			}
		}

		for _, path := range d.ToolPaths {
			ce := model.NewCodeEntity(&userID, path)
			stored, err := s.db.UpsertCodeEntity(ctx, tx, &ce)
			if err != nil {
				return err
			}
			one := 1.0
			if err := s.db.InsertEdge(ctx, tx, &model.Edge{
				Type:       model.EdgeAffects,
				SourceID:   d.ID,
				SourceKind: model.NodeDecision,
				TargetID:   stored.ID,
				TargetKind: model.NodeCode,
				Confidence: &one,
			}); err != nil {
				return err
			}
		}

		if err := search.EnqueueIndexOp(ctx, tx, d.ID, "decision", "upsert"); err != nil {
			return err
		}
		for _, res := range resolved {
			if res.Created {
				if err := search.EnqueueIndexOp(ctx, tx, res.Entity.ID, "entity", "upsert"); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	s.invalidateCaches(ctx, userID)
	s.announce(ctx, userID, d)
	if s.scanner != nil {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		saved := *d
		go func() {
			defer cancel()
			s.scanner.ScanOnSave(scanCtx, userID, saved)
		}()
	}

	s.saveDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.savedCount.Add(ctx, 1)

	result := SaveResult{Decision: *d, Entities: resolved}
	for _, hit := range similar {
		result.SimilarIDs = append(result.SimilarIDs, hit.ID)
		if hit.Score >= s.cfg.HighSimilarityThreshold {
			result.SupersedeCandidateIDs = append(result.SupersedeCandidateIDs, hit.ID)
		}
	}
	return result, nil
}

// Get retrieves a decision, optionally with joined entities, candidates,
// and tool paths.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID, includeRelated bool) (model.DecisionTrace, error) {
	return s.db.GetDecision(ctx, userID, id, includeRelated)
}

// List returns decisions matching the filters plus the total count.
func (s *Service) List(ctx context.Context, userID string, f storage.DecisionFilters) ([]model.DecisionTrace, int, error) {
	return s.db.ListDecisions(ctx, userID, f)
}

// embeddingFields are the updatable fields that change EmbeddingText.
var embeddingFields = map[string]bool{
	"trigger":         true,
	"context":         true,
	"options":         true,
	"agent_decision":  true,
	"agent_rationale": true,
}

// Update applies an allow-listed partial update, re-embeds when a text
// field changed, and schedules a re-index.
func (s *Service) Update(ctx context.Context, userID string, id uuid.UUID, fields map[string]any) (model.DecisionTrace, error) {
	for name := range fields {
		if !model.UpdatableDecisionFields[name] {
			return model.DecisionTrace{}, fmt.Errorf("decisions: field %q is not updatable", name)
		}
	}

	d, err := s.db.UpdateDecision(ctx, userID, id, fields)
	if err != nil {
		return model.DecisionTrace{}, err
	}

	reEmbed := false
	for name := range fields {
		if embeddingFields[name] {
			reEmbed = true
			break
		}
	}
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if reEmbed {
			vec, err := s.embedder.Embed(ctx, d.EmbeddingText())
			if err != nil {
				s.logger.Warn("decisions: re-embedding after update failed", "error", err)
			} else if err := s.db.SetDecisionEmbedding(ctx, tx, id, vec); err != nil {
				return err
			}
		}
		return search.EnqueueIndexOp(ctx, tx, id, "decision", "upsert")
	})
	if err != nil {
		return model.DecisionTrace{}, err
	}

	s.invalidateCaches(ctx, userID)
	return d, nil
}

// Delete removes the decision and detaches its edges, then schedules the
// index removal.
func (s *Service) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.db.DeleteDecision(ctx, userID, id); err != nil {
		return err
	}
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return search.EnqueueIndexOp(ctx, tx, id, "decision", "delete")
	})
	if err != nil {
		s.logger.Warn("decisions: enqueue index delete failed", "decision_id", id, "error", err)
	}
	s.invalidateCaches(ctx, userID)
	return nil
}

// MarkReviewed resets the staleness clock.
func (s *Service) MarkReviewed(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.db.MarkReviewed(ctx, userID, id, time.Now().UTC()); err != nil {
		return err
	}
	s.invalidateCaches(ctx, userID)
	return nil
}

// RecordSupersedes writes a SUPERSEDES edge newer -> older, expires the
// older decision at the newer one's creation time, and stamps the older
// decision's live INVOLVES edges with the same invalid_at. One
// transaction; point-in-time queries keep seeing the closed edges.
func (s *Service) RecordSupersedes(ctx context.Context, userID string, newerID, olderID uuid.UUID, confidence float64, reason string) error {
	newer, err := s.db.GetDecision(ctx, userID, newerID, false)
	if err != nil {
		return err
	}
	older, err := s.db.GetDecision(ctx, userID, olderID, false)
	if err != nil {
		return err
	}
	if newer.CreatedAt.Before(older.CreatedAt) {
		return fmt.Errorf("decisions: supersedes must run newer to older")
	}

	conf := confidence
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.db.InsertEdge(ctx, tx, &model.Edge{
			Type:       model.EdgeSupersedes,
			SourceID:   newerID,
			SourceKind: model.NodeDecision,
			TargetID:   olderID,
			TargetKind: model.NodeDecision,
			Confidence: &conf,
			Reasoning:  reason,
			ValidAt:    &newer.CreatedAt,
		}); err != nil {
			return err
		}
		if err := s.db.ExpireDecision(ctx, tx, olderID, newer.CreatedAt); err != nil {
			return err
		}
		return s.db.InvalidateEdges(ctx, tx, olderID, model.EdgeInvolves, newer.CreatedAt)
	})
	if err != nil {
		return err
	}
	s.invalidateCaches(ctx, userID)
	return nil
}

// RecordContradicts writes a CONTRADICTS edge between two decisions.
// crossUser marks edges found by the cross-user scan; notification is
// the caller's responsibility.
func (s *Service) RecordContradicts(ctx context.Context, aID, bID uuid.UUID, confidence float64, reason string, crossUser bool) error {
	props := map[string]any{}
	if crossUser {
		props["cross_user"] = true
	}
	conf := confidence
	return s.db.InsertEdge(ctx, s.db.Pool(), &model.Edge{
		Type:       model.EdgeContradicts,
		SourceID:   aID,
		SourceKind: model.NodeDecision,
		TargetID:   bID,
		TargetKind: model.NodeDecision,
		Confidence: &conf,
		Reasoning:  reason,
		Properties: props,
	})
}

type similarHit struct {
	ID    uuid.UUID
	Score float64
}

// similarDecisions finds existing same-user decisions above the
// similarity threshold. Search failures skip the edges rather than fail
// the save; step 5 is re-runnable.
func (s *Service) similarDecisions(ctx context.Context, userID string, d *model.DecisionTrace) []similarHit {
	if d.Embedding == nil {
		return nil
	}
	results, err := s.db.SearchDecisionsByEmbedding(ctx, userID, *d.Embedding, "", s.cfg.SimilarEdgeLimit+1)
	if err != nil {
		s.logger.Warn("decisions: similarity search failed, skipping SIMILAR_TO", "error", err)
		return nil
	}
	var hits []similarHit
	for _, r := range results {
		if r.Decision.ID == d.ID || r.Similarity < s.cfg.SimilarityThreshold {
			continue
		}
		hits = append(hits, similarHit{ID: r.Decision.ID, Score: r.Similarity})
		if len(hits) == s.cfg.SimilarEdgeLimit {
			break
		}
	}
	return hits
}

// rejectedOptions returns the options the decision passed over: anything
// whose text does not appear in the chosen decision. "PostgreSQL" is not
// rejected by "Use PostgreSQL"; "MongoDB" is.
func rejectedOptions(d *model.DecisionTrace) []string {
	chosen := strings.ToLower(d.AgentDecision)
	var out []string
	for _, opt := range d.Options {
		trimmed := strings.TrimSpace(opt)
		if trimmed == "" || strings.Contains(chosen, strings.ToLower(trimmed)) {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func (s *Service) invalidateCaches(ctx context.Context, userID string) {
	s.store.DeleteByPrefix(ctx, "cache:agent:"+userID+":")
}

// announce publishes the save on the decisions channel so the
// notification hub can push it to connected clients in any process.
func (s *Service) announce(ctx context.Context, userID string, d *model.DecisionTrace) {
	payload, err := json.Marshal(map[string]any{
		"decision_id": d.ID,
		"user_id":     userID,
		"project":     d.ProjectName,
		"decision":    d.AgentDecision,
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelDecisions, string(payload)); err != nil {
		s.logger.Debug("decisions: notify failed", "error", err)
	}
}
