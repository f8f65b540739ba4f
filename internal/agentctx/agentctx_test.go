package agentctx

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/engramhq/engram/internal/model"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.defaults()
	assert.Equal(t, 4000, cfg.TokenBudget)
	assert.Equal(t, 120*time.Second, cfg.SummaryTTL)
	assert.Equal(t, 30*time.Second, cfg.ContextTTL)
	assert.Equal(t, 60*time.Second, cfg.EntityTTL)
	assert.Equal(t, 15, cfg.TopEntities)
	assert.Equal(t, 10, cfg.TopDecisions)
	assert.Equal(t, 5, cfg.RelatedPerEntity)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "cache:agent:u1:summary", cacheKey("u1", "summary", ""))
	assert.Equal(t, "cache:agent:u1:entity:redis", cacheKey("u1", "entity", "redis"))
	assert.True(t, strings.HasPrefix(cacheKey("u1", "context", queryHash("q")), "cache:agent:u1:"))
}

func TestQueryHashStable(t *testing.T) {
	assert.Equal(t, queryHash("why redis"), queryHash("why redis"))
	assert.NotEqual(t, queryHash("why redis"), queryHash("why kafka"))
	assert.Len(t, queryHash("anything"), 16)
}

func TestDecisionRank(t *testing.T) {
	now := time.Now()

	// Full confidence, saturated entities, timestamped.
	d := model.DecisionTrace{Confidence: 1.0, CreatedAt: now}
	assert.InDelta(t, 1.0, decisionRank(d, 10), 1e-9)

	// Entity richness saturates at ten.
	assert.InDelta(t, 1.0, decisionRank(d, 50), 1e-9)

	// Half confidence, three entities, no timestamp.
	d = model.DecisionTrace{Confidence: 0.5}
	assert.InDelta(t, 0.4*0.5+0.3*0.3, decisionRank(d, 3), 1e-9)
}

func TestSupersedesChains(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	superseded := map[uuid.UUID]uuid.UUID{a: b, b: c}

	chains := supersedesChains(map[uuid.UUID]bool{a: true}, superseded)
	assert.Equal(t, [][]uuid.UUID{{a, b, c}}, chains)

	// A hit with no superseder yields no chain.
	assert.Empty(t, supersedesChains(map[uuid.UUID]bool{c: true}, superseded))
}

func TestApplyBudgetTruncates(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, Config{TokenBudget: 10}, nil) // 40 chars
	long := strings.Repeat("x", 30)

	r := ContextResult{
		Query: "q",
		Decisions: []ContextDecision{
			{Decision: model.DecisionTrace{AgentDecision: long}},
			{Decision: model.DecisionTrace{AgentDecision: long}},
			{Decision: model.DecisionTrace{AgentDecision: long}},
		},
	}
	truncated := s.applyBudget(&r)
	assert.True(t, truncated)
	assert.Len(t, r.Decisions, 1, "always keeps at least one decision")
}

func TestApplyBudgetFits(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, Config{}, nil)
	r := ContextResult{
		Query:     "q",
		Decisions: []ContextDecision{{Decision: model.DecisionTrace{AgentDecision: "short"}}},
	}
	assert.False(t, s.applyBudget(&r))
	assert.Len(t, r.Decisions, 1)
}

func TestRenderMarkdown(t *testing.T) {
	newer := uuid.New()
	r := ContextResult{
		Query: "cache strategy",
		Decisions: []ContextDecision{
			{
				Decision: model.DecisionTrace{
					AgentDecision:  "Use Redis",
					Trigger:        "Session lookups are slow",
					AgentRationale: "Already deployed",
					Confidence:     0.9,
					CreatedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
				},
				Entities:     []model.Entity{{Name: "Redis"}, {Name: "sessions"}},
				SupersededBy: &newer,
			},
		},
		Contradictions: []ContradictionPair{{AID: uuid.New(), BID: uuid.New()}},
	}

	md := renderMarkdown(r)
	assert.Contains(t, md, "## Relevant decisions for: cache strategy")
	assert.Contains(t, md, "### Use Redis")
	assert.Contains(t, md, "Superseded by a newer decision")
	assert.Contains(t, md, "Involves: Redis, sessions")
	assert.Contains(t, md, "1 unresolved contradiction")
}
