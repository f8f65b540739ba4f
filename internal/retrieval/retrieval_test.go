package retrieval

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSearchRejectsBadInput(t *testing.T) {
	s := New(nil, nil, nil, nil, Config{}, testLogger())

	_, err := s.Search(context.Background(), "", Options{Query: "redis"})
	assert.ErrorContains(t, err, "user id required")

	_, err = s.Search(context.Background(), "u1", Options{Query: "   "})
	assert.ErrorContains(t, err, "query required")
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.defaults()
	assert.Equal(t, 10, cfg.DefaultTopK)
	assert.Equal(t, 20, cfg.RerankTopK)
}

func TestMatchedDecisionFields(t *testing.T) {
	d := model.DecisionTrace{
		Trigger:        "Which cache should the session layer use?",
		AgentDecision:  "Use Redis with a 15 minute TTL",
		Context:        "High read volume on session lookups",
		AgentRationale: "Redis is already deployed",
	}

	fields := matchedDecisionFields("redis cache", d)
	assert.ElementsMatch(t, []string{"trigger", "decision", "rationale"}, fields)

	assert.Empty(t, matchedDecisionFields("kafka", d))
	assert.Nil(t, matchedDecisionFields("   ", d))
}

func TestMergeFields(t *testing.T) {
	got := mergeFields([]string{"trigger"}, []string{"trigger", "decision"})
	assert.Equal(t, []string{"trigger", "decision"}, got)
}

func TestEnsureHitDeduplicates(t *testing.T) {
	hits := map[string]*Hit{}
	id := uuid.New()

	a := ensureHit(hits, "decision", id)
	a.LexicalScore = 0.5
	b := ensureHit(hits, "decision", id)

	assert.Same(t, a, b)
	assert.Len(t, hits, 1)

	// Same id under a different kind is a different node.
	ensureHit(hits, "entity", id)
	assert.Len(t, hits, 2)
}

func TestSortHitsStable(t *testing.T) {
	hits := []Hit{{Score: 0.2}, {Score: 0.9}, {Score: 0.5}}
	sortHits(hits)
	assert.Equal(t, []float64{0.9, 0.5, 0.2}, []float64{hits[0].Score, hits[1].Score, hits[2].Score})
}

func TestNodeKindName(t *testing.T) {
	assert.Equal(t, "decision", nodeKindName(model.NodeDecision))
	assert.Equal(t, "entity", nodeKindName(model.NodeEntity))
	assert.Empty(t, nodeKindName(model.NodeCandidate))
	assert.Empty(t, nodeKindName(model.NodeCommit))
}

func TestCandidateText(t *testing.T) {
	d := &model.DecisionTrace{
		Trigger:       "Pick a queue",
		AgentDecision: "Use NATS",
	}
	assert.Equal(t, "Trigger: Pick a queue Decision: Use NATS", candidateText(Hit{Kind: "decision", Decision: d}))

	e := &model.Entity{Name: "NATS", Type: model.EntityTechnology}
	assert.Equal(t, "Entity: NATS (technology)", candidateText(Hit{Kind: "entity", Entity: e}))
}

func TestLLMReranker(t *testing.T) {
	fake := llm.NewFake().Respond("You rank search results",
		`[{"index": 0, "score": 0.1}, {"index": 1, "score": 0.95}]`)
	r := NewLLMReranker(llm.NewInfra(fake, nil, nil, llm.InfraConfig{}, testLogger()))

	hits := []Hit{
		{Kind: "decision", Decision: &model.DecisionTrace{ID: uuid.New(), AgentDecision: "Use REST"}, Score: 0.8},
		{Kind: "decision", Decision: &model.DecisionTrace{ID: uuid.New(), AgentDecision: "Use gRPC"}, Score: 0.6},
	}

	out, err := r.Rerank(context.Background(), "u1", "grpc migration", hits)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Use gRPC", out[0].Decision.AgentDecision)
	assert.InDelta(t, 0.95, out[0].Score, 1e-9)
	assert.InDelta(t, 0.1, out[1].Score, 1e-9)
}

func TestLLMRerankerIgnoresOutOfRangeIndexes(t *testing.T) {
	fake := llm.NewFake().Respond("You rank search results",
		`[{"index": 5, "score": 0.9}, {"index": -1, "score": 0.9}, {"index": 0, "score": 0.4}]`)
	r := NewLLMReranker(llm.NewInfra(fake, nil, nil, llm.InfraConfig{}, testLogger()))

	hits := []Hit{{Kind: "decision", Decision: &model.DecisionTrace{ID: uuid.New()}, Score: 0.8}}
	out, err := r.Rerank(context.Background(), "u1", "q", hits)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, out[0].Score, 1e-9)
}

func TestLLMRerankerEmptyInput(t *testing.T) {
	r := NewLLMReranker(llm.NewInfra(llm.NewFake(), nil, nil, llm.InfraConfig{}, testLogger()))
	out, err := r.Rerank(context.Background(), "u1", "q", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
