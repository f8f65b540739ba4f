// Package agentctx serves condensed graph views to AI agents: a summary
// of what the user's graph knows, query-focused context under a token
// budget, per-entity context, and a remember operation for recording
// decisions mid-session. All reads are cached in Redis with short TTLs.
package agentctx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
	"github.com/engramhq/engram/internal/retrieval"
	"github.com/engramhq/engram/internal/service/decisions"
	"github.com/engramhq/engram/internal/storage"
)

// Config tunes the context service.
type Config struct {
	TokenBudget      int // focused-context budget, ~4 chars per token
	SummaryTTL       time.Duration
	ContextTTL       time.Duration
	EntityTTL        time.Duration
	TopEntities      int
	TopDecisions     int
	RelatedPerEntity int
}

func (c *Config) defaults() {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 4000
	}
	if c.SummaryTTL <= 0 {
		c.SummaryTTL = 120 * time.Second
	}
	if c.ContextTTL <= 0 {
		c.ContextTTL = 30 * time.Second
	}
	if c.EntityTTL <= 0 {
		c.EntityTTL = 60 * time.Second
	}
	if c.TopEntities <= 0 {
		c.TopEntities = 15
	}
	if c.TopDecisions <= 0 {
		c.TopDecisions = 10
	}
	if c.RelatedPerEntity <= 0 {
		c.RelatedPerEntity = 5
	}
}

// Service answers agent context requests.
type Service struct {
	db        *storage.DB
	retriever *retrieval.Service
	writer    *decisions.Service
	resolver  *resolve.Resolver
	store     *kv.Store
	cfg       Config
	logger    *slog.Logger
}

func New(db *storage.DB, retriever *retrieval.Service, writer *decisions.Service, resolver *resolve.Resolver, store *kv.Store, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	return &Service{
		db: db, retriever: retriever, writer: writer, resolver: resolver,
		store: store, cfg: cfg, logger: logger,
	}
}

// cacheKey builds the per-user agent cache key. The graph writer
// invalidates the whole "cache:agent:<uid>:" prefix on every write.
func cacheKey(userID, op, extra string) string {
	key := "cache:agent:" + userID + ":" + op
	if extra != "" {
		key += ":" + extra
	}
	return key
}

func queryHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// cached wraps an operation with the Redis read-through. The value type
// must round-trip through JSON.
func cached[T any](ctx context.Context, s *Service, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	if s.store != nil {
		if raw, ok := s.store.Get(ctx, key); ok {
			var v T
			if err := json.Unmarshal([]byte(raw), &v); err == nil {
				return v, nil
			}
		}
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	if s.store != nil {
		if data, err := json.Marshal(v); err == nil {
			s.store.Set(ctx, key, string(data), ttl)
		}
	}
	return v, nil
}

// RememberInput is a decision recorded by an agent mid-session.
type RememberInput struct {
	AgentName string   `json:"agent_name"`
	Project   string   `json:"project,omitempty"`
	Trigger   string   `json:"trigger"`
	Context   string   `json:"context,omitempty"`
	Options   []string `json:"options,omitempty"`
	Decision  string   `json:"decision"`
	Rationale string   `json:"rationale,omitempty"`
	Scope     string   `json:"scope,omitempty"`
}

// Remember records an agent's decision through the graph writer and
// reports what the save linked it to.
func (s *Service) Remember(ctx context.Context, userID string, in RememberInput) (decisions.SaveResult, error) {
	if in.AgentName == "" {
		in.AgentName = "unknown"
	}
	d := model.DecisionTrace{
		ProjectName:    in.Project,
		Trigger:        in.Trigger,
		Context:        in.Context,
		Options:        in.Options,
		AgentDecision:  in.Decision,
		AgentRationale: in.Rationale,
		Source:         model.AgentSource(in.AgentName),
		Confidence:     1.0, // stated directly by the agent, not inferred
	}
	if in.Scope != "" {
		d.Scope = model.Scope(in.Scope)
	}
	res, err := s.writer.Save(ctx, userID, &d)
	if err != nil {
		return decisions.SaveResult{}, fmt.Errorf("agentctx: remember: %w", err)
	}
	return res, nil
}
