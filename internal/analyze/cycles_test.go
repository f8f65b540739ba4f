package analyze

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
)

func edge(src, dst uuid.UUID, rel model.EdgeType) model.Edge {
	return model.Edge{ID: uuid.New(), SourceID: src, TargetID: dst, Type: rel}
}

func TestCyclesForTypeTriangle(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	edges := []model.Edge{
		edge(a, b, model.EdgeDependsOn),
		edge(b, c, model.EdgeDependsOn),
		edge(c, a, model.EdgeDependsOn),
	}

	cycles := cyclesForType(edges, model.EdgeDependsOn, 20, 10)
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []uuid.UUID{a, b, c}, cycles[0])
}

func TestCyclesForTypeTwoNode(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	edges := []model.Edge{
		edge(a, b, model.EdgeRequires),
		edge(b, a, model.EdgeRequires),
	}

	cycles := cyclesForType(edges, model.EdgeRequires, 20, 10)
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, cycles[0])
}

func TestCyclesForTypeSelfLoopIgnored(t *testing.T) {
	a := uuid.New()
	edges := []model.Edge{edge(a, a, model.EdgeDependsOn)}

	// A self-loop is length 1; the self-referential sweep reports it,
	// not the cycle detector.
	assert.Empty(t, cyclesForType(edges, model.EdgeDependsOn, 20, 10))
}

func TestCyclesForTypeIgnoresOtherRelationships(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	edges := []model.Edge{
		edge(a, b, model.EdgeDependsOn),
		edge(b, a, model.EdgePartOf),
	}

	assert.Empty(t, cyclesForType(edges, model.EdgeDependsOn, 20, 10))
}

func TestCyclesForTypeDeduplicatesRotations(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	edges := []model.Edge{
		edge(a, b, model.EdgeIsA),
		edge(b, c, model.EdgeIsA),
		edge(c, a, model.EdgeIsA),
		// A second entry point into the same loop.
		edge(b, a, model.EdgeIsA),
	}

	cycles := cyclesForType(edges, model.EdgeIsA, 20, 10)
	keys := map[string]bool{}
	for _, cycle := range cycles {
		keys[nodeSetKey(cycle)] = true
	}
	assert.Equal(t, len(keys), len(cycles), "every reported cycle covers a distinct node set")
}

func TestCyclesForTypeMaxDepth(t *testing.T) {
	nodes := make([]uuid.UUID, 5)
	for i := range nodes {
		nodes[i] = uuid.New()
	}
	var edges []model.Edge
	for i := range nodes {
		edges = append(edges, edge(nodes[i], nodes[(i+1)%len(nodes)], model.EdgeRefines))
	}

	assert.Empty(t, cyclesForType(edges, model.EdgeRefines, 4, 10))
	assert.Len(t, cyclesForType(edges, model.EdgeRefines, 5, 10), 1)
}

func TestCyclesForTypeMaxCyclesCap(t *testing.T) {
	var edges []model.Edge
	for i := 0; i < 6; i++ {
		a, b := uuid.New(), uuid.New()
		edges = append(edges, edge(a, b, model.EdgeDependsOn), edge(b, a, model.EdgeDependsOn))
	}

	assert.Len(t, cyclesForType(edges, model.EdgeDependsOn, 20, 3), 3)
}

func TestCycleSeverity(t *testing.T) {
	assert.Equal(t, model.SeverityError, cycleSeverity(model.EdgeDependsOn))
	assert.Equal(t, model.SeverityWarning, cycleSeverity(model.EdgeRelatedTo))
}
