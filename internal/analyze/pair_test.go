package analyze

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAnalyzer(fake *llm.Fake) *Analyzer {
	infra := llm.NewInfra(fake, nil, nil, llm.InfraConfig{}, testLogger())
	return New(nil, infra, nil, Config{}, testLogger())
}

func decisionAt(text string, at time.Time) model.DecisionTrace {
	return model.DecisionTrace{
		ID:            uuid.New(),
		AgentDecision: text,
		CreatedAt:     at,
	}
}

func TestAnalyzePair(t *testing.T) {
	fake := llm.NewFake().Respond("You compare two engineering decisions",
		`{"verdict": "supersedes", "confidence": 0.85, "reason": "same question, new answer"}`)
	a := newTestAnalyzer(fake)

	older := decisionAt("Use REST", time.Now().Add(-48*time.Hour))
	newer := decisionAt("Use gRPC", time.Now())

	// Argument order must not matter.
	analysis, err := a.AnalyzePair(context.Background(), "u1", older, newer)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSupersedes, analysis.Verdict)
	assert.InDelta(t, 0.85, analysis.Confidence, 1e-9)
	assert.Equal(t, "same question, new answer", analysis.Reason)
}

func TestAnalyzePairRejectsUnknownVerdict(t *testing.T) {
	fake := llm.NewFake().Respond("You compare two engineering decisions",
		`{"verdict": "MAYBE", "confidence": 0.9, "reason": "?"}`)
	a := newTestAnalyzer(fake)

	_, err := a.AnalyzePair(context.Background(), "u1",
		decisionAt("x", time.Now()), decisionAt("y", time.Now().Add(-time.Hour)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pair verdict")
}

func TestApplyPairBelowThreshold(t *testing.T) {
	a := newTestAnalyzer(llm.NewFake())

	wrote, err := a.ApplyPair(context.Background(), "u1",
		decisionAt("x", time.Now()), decisionAt("y", time.Now()),
		model.PairAnalysis{Verdict: model.VerdictContradicts, Confidence: 0.4})
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestApplyPairNoneWritesNothing(t *testing.T) {
	a := newTestAnalyzer(llm.NewFake())

	wrote, err := a.ApplyPair(context.Background(), "u1",
		decisionAt("x", time.Now()), decisionAt("y", time.Now()),
		model.PairAnalysis{Verdict: model.VerdictNone, Confidence: 0.99})
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestOrderPair(t *testing.T) {
	early := decisionAt("early", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	late := decisionAt("late", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	newer, older := orderPair(early, late)
	assert.Equal(t, late.ID, newer.ID)
	assert.Equal(t, early.ID, older.ID)

	newer, older = orderPair(late, early)
	assert.Equal(t, late.ID, newer.ID)
	assert.Equal(t, early.ID, older.ID)
}

func TestPairCacheKeyChangesOnEdit(t *testing.T) {
	x := decisionAt("x", time.Now())
	y := decisionAt("y", time.Now().Add(-time.Hour))

	before := pairCacheKey(x, y)
	x.EditCount++
	assert.NotEqual(t, before, pairCacheKey(x, y))
}

func TestOverlapGroups(t *testing.T) {
	e := make([]uuid.UUID, 5)
	for i := range e {
		e[i] = uuid.New()
	}
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	sets := map[uuid.UUID][]uuid.UUID{
		a: {e[0], e[1], e[2]},
		b: {e[1], e[2]},       // shares 2 with a
		c: {e[2], e[3], e[4]}, // shares only 1 with a and b
		d: {e[3], e[4]},       // shares 2 with c
	}

	groups := overlapGroups([]uuid.UUID{a, b, c, d}, sets, 2)
	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, groups[0])
	assert.ElementsMatch(t, []uuid.UUID{c, d}, groups[1])
}

func TestOverlapGroupsDropsSingletons(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	sets := map[uuid.UUID][]uuid.UUID{
		a: {uuid.New()},
		b: {uuid.New()},
	}
	assert.Empty(t, overlapGroups([]uuid.UUID{a, b}, sets, 2))
}

func TestSharedCount(t *testing.T) {
	x, y, z := uuid.New(), uuid.New(), uuid.New()
	assert.Equal(t, 2, sharedCount([]uuid.UUID{x, y, z}, []uuid.UUID{y, z}))
	assert.Equal(t, 0, sharedCount(nil, []uuid.UUID{x}))
}
