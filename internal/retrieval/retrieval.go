// Package retrieval implements hybrid search over the decision graph:
// lexical full-text and vector similarity fused by a tunable alpha,
// optional graph-neighborhood expansion, and an optional LLM reranking
// pass over the top candidates.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/search"
	"github.com/engramhq/engram/internal/service/embedding"
	"github.com/engramhq/engram/internal/storage"
)

const (
	// Expanded nodes inherit a fraction of their origin's score per hop.
	graphExpansionFactor = 0.7
	maxGraphDepth        = 2
	// Fetch more than top_k from each leg so fusion has something to
	// reorder.
	fetchMultiplier = 2
	minFetchLimit   = 20
)

// Config tunes retrieval.
type Config struct {
	DefaultTopK   int
	RerankEnabled bool
	RerankTopK    int
}

func (c *Config) defaults() {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 10
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = 20
	}
}

// Options parameterizes one hybrid query.
type Options struct {
	Query            string
	TopK             int
	Threshold        float64
	Alpha            float64 // lexical weight; 1-alpha goes to semantic
	IncludeDecisions bool
	IncludeEntities  bool
	GraphDepth       int // 0, 1 or 2 hops of neighborhood expansion
	Project          string
	Rerank           bool
}

// Hit is one fused result. Exactly one of Decision/Entity is set,
// matching Kind.
type Hit struct {
	Kind          string              `json:"kind"` // "decision" or "entity"
	Decision      *model.DecisionTrace `json:"decision,omitempty"`
	Entity        *model.Entity        `json:"entity,omitempty"`
	Score         float64             `json:"score"`
	LexicalScore  float64             `json:"lexical_score,omitempty"`
	SemanticScore float64             `json:"semantic_score,omitempty"`
	MatchedFields []string            `json:"matched_fields,omitempty"`
}

// ID returns the underlying node id.
func (h Hit) ID() uuid.UUID {
	if h.Decision != nil {
		return h.Decision.ID
	}
	if h.Entity != nil {
		return h.Entity.ID
	}
	return uuid.Nil
}

// Service runs hybrid queries. The vector index is optional; when it is
// nil or unhealthy the semantic leg falls back to pgvector scans.
type Service struct {
	db       *storage.DB
	index    search.Searcher
	embedder embedding.Provider
	reranker Reranker
	cfg      Config
	logger   *slog.Logger
}

func New(db *storage.DB, index search.Searcher, embedder embedding.Provider, reranker Reranker, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	return &Service{db: db, index: index, embedder: embedder, reranker: reranker, cfg: cfg, logger: logger}
}

// Search runs the full hybrid pipeline for one user.
func (s *Service) Search(ctx context.Context, userID string, opts Options) ([]Hit, error) {
	if userID == "" {
		return nil, fmt.Errorf("retrieval: user id required")
	}
	if strings.TrimSpace(opts.Query) == "" {
		return nil, fmt.Errorf("retrieval: query required")
	}
	if opts.TopK <= 0 {
		opts.TopK = s.cfg.DefaultTopK
	}
	opts.Alpha = clamp01(opts.Alpha)
	if !opts.IncludeDecisions && !opts.IncludeEntities {
		opts.IncludeDecisions = true
	}
	if opts.GraphDepth > maxGraphDepth {
		opts.GraphDepth = maxGraphDepth
	}

	fetchLimit := opts.TopK * fetchMultiplier
	if fetchLimit < minFetchLimit {
		fetchLimit = minFetchLimit
	}

	var queryVec *pgvector.Vector
	if opts.Alpha < 1 {
		vec, err := s.embedder.Embed(ctx, opts.Query)
		if err != nil {
			s.logger.Warn("retrieval: query embedding failed, lexical only", "error", err)
			opts.Alpha = 1
		} else {
			queryVec = &vec
		}
	}

	hits := map[string]*Hit{}

	if opts.IncludeDecisions {
		if err := s.lexicalDecisions(ctx, userID, opts, fetchLimit, hits); err != nil {
			return nil, err
		}
		if queryVec != nil {
			if err := s.semanticDecisions(ctx, userID, *queryVec, opts, fetchLimit, hits); err != nil {
				return nil, err
			}
		}
	}
	if opts.IncludeEntities {
		if err := s.lexicalEntities(ctx, userID, opts, fetchLimit, hits); err != nil {
			return nil, err
		}
		if queryVec != nil {
			if err := s.semanticEntities(ctx, userID, *queryVec, fetchLimit, hits); err != nil {
				return nil, err
			}
		}
	}

	for _, h := range hits {
		h.Score = opts.Alpha*h.LexicalScore + (1-opts.Alpha)*h.SemanticScore
	}

	if opts.GraphDepth > 0 {
		if err := s.expand(ctx, userID, opts, hits); err != nil {
			s.logger.Warn("retrieval: graph expansion failed", "error", err)
		}
	}

	results := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= opts.Threshold {
			results = append(results, *h)
		}
	}
	sortHits(results)

	if opts.Rerank && s.reranker != nil {
		n := opts.TopK
		if s.cfg.RerankTopK < n {
			n = s.cfg.RerankTopK
		}
		if n > len(results) {
			n = len(results)
		}
		reranked, err := s.reranker.Rerank(ctx, userID, opts.Query, results[:n])
		if err != nil {
			s.logger.Warn("retrieval: rerank failed, keeping fused order", "error", err)
		} else {
			results = append(reranked, results[n:]...)
			sortHits(results)
		}
	}

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// Semantic is the plain vector-search specialization: no lexical leg,
// no expansion, no reranking.
func (s *Service) Semantic(ctx context.Context, userID, query string, topK int, threshold float64) ([]Hit, error) {
	return s.Search(ctx, userID, Options{
		Query:            query,
		TopK:             topK,
		Threshold:        threshold,
		Alpha:            0,
		IncludeDecisions: true,
	})
}

func (s *Service) lexicalDecisions(ctx context.Context, userID string, opts Options, limit int, hits map[string]*Hit) error {
	results, err := s.db.LexicalSearchDecisions(ctx, userID, opts.Query, opts.Project, limit)
	if err != nil {
		return fmt.Errorf("retrieval: lexical decisions: %w", err)
	}
	for _, r := range results {
		d := r.Decision
		h := ensureHit(hits, "decision", d.ID)
		h.Decision = &d
		h.LexicalScore = r.Score
		h.MatchedFields = mergeFields(h.MatchedFields, matchedDecisionFields(opts.Query, d))
	}
	return nil
}

func (s *Service) semanticDecisions(ctx context.Context, userID string, vec pgvector.Vector, opts Options, limit int, hits map[string]*Hit) error {
	if s.indexHealthy(ctx) {
		results, err := s.index.Search(ctx, userID, vec.Slice(), search.Filters{Kind: "decision", Project: opts.Project}, limit)
		if err == nil {
			return s.hydrateDecisionResults(ctx, userID, results, hits)
		}
		s.logger.Warn("retrieval: index search failed, pgvector fallback", "error", err)
	}

	results, err := s.db.SearchDecisionsByEmbedding(ctx, userID, vec, opts.Project, limit)
	if err != nil {
		return fmt.Errorf("retrieval: semantic decisions: %w", err)
	}
	for _, r := range results {
		d := r.Decision
		h := ensureHit(hits, "decision", d.ID)
		h.Decision = &d
		h.SemanticScore = r.Similarity
	}
	return nil
}

func (s *Service) hydrateDecisionResults(ctx context.Context, userID string, results []search.Result, hits map[string]*Hit) error {
	for _, r := range results {
		d, err := s.db.GetDecision(ctx, userID, r.NodeID, false)
		if err != nil {
			// Index may briefly lead or lag the store; skip unknown ids.
			continue
		}
		h := ensureHit(hits, "decision", d.ID)
		h.Decision = &d
		h.SemanticScore = float64(r.Score)
	}
	return nil
}

func (s *Service) lexicalEntities(ctx context.Context, userID string, opts Options, limit int, hits map[string]*Hit) error {
	results, err := s.db.SearchEntitiesByName(ctx, userID, opts.Query, limit)
	if err != nil {
		return fmt.Errorf("retrieval: lexical entities: %w", err)
	}
	for _, r := range results {
		e := r.Entity
		h := ensureHit(hits, "entity", e.ID)
		h.Entity = &e
		h.LexicalScore = r.Similarity
		h.MatchedFields = mergeFields(h.MatchedFields, []string{"name"})
	}
	return nil
}

func (s *Service) semanticEntities(ctx context.Context, userID string, vec pgvector.Vector, limit int, hits map[string]*Hit) error {
	if s.indexHealthy(ctx) {
		results, err := s.index.Search(ctx, userID, vec.Slice(), search.Filters{Kind: "entity"}, limit)
		if err == nil {
			for _, r := range results {
				e, err := s.db.GetEntity(ctx, userID, r.NodeID)
				if err != nil {
					continue
				}
				h := ensureHit(hits, "entity", e.ID)
				h.Entity = &e
				h.SemanticScore = float64(r.Score)
			}
			return nil
		}
		s.logger.Warn("retrieval: index search failed, pgvector fallback", "error", err)
	}

	results, err := s.db.SearchEntitiesByEmbedding(ctx, userID, vec, limit)
	if err != nil {
		return fmt.Errorf("retrieval: semantic entities: %w", err)
	}
	for _, r := range results {
		e := r.Entity
		h := ensureHit(hits, "entity", e.ID)
		h.Entity = &e
		h.SemanticScore = r.Similarity
	}
	return nil
}

func (s *Service) indexHealthy(ctx context.Context) bool {
	return s.index != nil && s.index.Healthy(ctx) == nil
}

func ensureHit(hits map[string]*Hit, kind string, id uuid.UUID) *Hit {
	key := kind + ":" + id.String()
	if h, ok := hits[key]; ok {
		return h
	}
	h := &Hit{Kind: kind}
	hits[key] = h
	return h
}

// matchedDecisionFields reports which text fields contain any query
// term, for result annotation.
func matchedDecisionFields(query string, d model.DecisionTrace) []string {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	fields := []struct {
		name string
		text string
	}{
		{"trigger", d.Trigger},
		{"decision", d.AgentDecision},
		{"context", d.Context},
		{"rationale", d.AgentRationale},
	}
	var matched []string
	for _, f := range fields {
		text := strings.ToLower(f.text)
		for _, term := range terms {
			if strings.Contains(text, term) {
				matched = append(matched, f.name)
				break
			}
		}
	}
	return matched
}

func mergeFields(existing, add []string) []string {
	for _, f := range add {
		found := false
		for _, e := range existing {
			if e == f {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, f)
		}
	}
	return existing
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
