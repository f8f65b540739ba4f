package decisions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService wires only the LLM side; the DB-backed paths are
// covered by the storage integration tests.
func newTestService(fake *llm.Fake) *Service {
	cfg := Config{}
	cfg.defaults()
	return &Service{
		infra:  llm.NewInfra(fake, nil, nil, llm.InfraConfig{}, testLogger()),
		cfg:    cfg,
		logger: testLogger(),
	}
}

func resolvedEntity(name string, typ model.EntityType) resolve.Result {
	return resolve.Result{Entity: model.Entity{ID: uuid.New(), Name: name, Type: typ}}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.defaults()
	assert.Equal(t, 0.7, cfg.SimilarityThreshold)
	assert.Equal(t, 0.85, cfg.HighSimilarityThreshold)
	assert.Equal(t, 5, cfg.SimilarEdgeLimit)
	assert.Equal(t, 2, cfg.SharedEntityMin)
}

func TestEntityTypeFor(t *testing.T) {
	assert.Equal(t, model.EntityTechnology, entityTypeFor("technology"))
	assert.Equal(t, model.EntityFile, entityTypeFor(" File "))
	// Unknown types land in the loosest bucket.
	assert.Equal(t, model.EntityConcept, entityTypeFor("gizmo"))
	assert.Equal(t, model.EntityConcept, entityTypeFor(""))
}

func TestRejectedOptions(t *testing.T) {
	d := &model.DecisionTrace{
		AgentDecision: "Use PostgreSQL",
		Options:       []string{"PostgreSQL", "MongoDB", "  "},
	}
	assert.Equal(t, []string{"MongoDB"}, rejectedOptions(d))

	none := &model.DecisionTrace{AgentDecision: "ship it", Options: nil}
	assert.Empty(t, rejectedOptions(none))
}

func TestExtractEntitiesMergesLLMAndOptions(t *testing.T) {
	fake := llm.NewFake().Respond("You extract the named entities",
		`[{"name":"PostgreSQL","type":"technology"},{"name":"relational data","type":"concept"}]`)
	s := newTestService(fake)

	d := &model.DecisionTrace{
		Trigger:       "need a database",
		AgentDecision: "Use PostgreSQL",
		Options:       []string{"PostgreSQL", "MongoDB"},
	}
	entities := s.extractEntities(context.Background(), "u1", d)

	names := map[string]model.EntityType{}
	for _, e := range entities {
		names[e.Name] = e.Type
	}
	require.Len(t, entities, 3)
	assert.Equal(t, model.EntityTechnology, names["PostgreSQL"])
	assert.Equal(t, model.EntityConcept, names["relational data"])
	assert.Equal(t, model.EntityTechnology, names["MongoDB"])
}

func TestExtractEntitiesLLMFailureFallsBackToOptions(t *testing.T) {
	fake := llm.NewFake()
	fake.Err = errors.New("provider down")
	s := newTestService(fake)

	d := &model.DecisionTrace{
		AgentDecision: "Use PostgreSQL",
		Options: []string{
			"MongoDB",
			"a long prose option that is clearly not an entity name at all",
		},
	}
	entities := s.extractEntities(context.Background(), "u1", d)
	require.Len(t, entities, 1)
	assert.Equal(t, "MongoDB", entities[0].Name)
	assert.Equal(t, model.EntityTechnology, entities[0].Type)
}

func TestExtractRelations(t *testing.T) {
	fake := llm.NewFake().Respond("You identify relationships",
		`[{"source":"PostgreSQL","relationship":"ALTERNATIVE_TO","target":"MongoDB","confidence":0.9}]`)
	s := newTestService(fake)

	resolved := []resolve.Result{
		resolvedEntity("PostgreSQL", model.EntityTechnology),
		resolvedEntity("MongoDB", model.EntityTechnology),
	}
	d := &model.DecisionTrace{AgentDecision: "Use PostgreSQL"}

	edges := s.extractRelations(context.Background(), "u1", d, resolved)
	require.Len(t, edges, 1)
	e := edges[0]
	assert.Equal(t, model.EdgeAlternative, e.Type)
	assert.Equal(t, resolved[0].Entity.ID, e.SourceID)
	assert.Equal(t, resolved[1].Entity.ID, e.TargetID)
	assert.Equal(t, model.NodeEntity, e.SourceKind)
	require.NotNil(t, e.Confidence)
	assert.InDelta(t, 0.9, *e.Confidence, 1e-9)
}

func TestExtractRelationsMatrixDowngrade(t *testing.T) {
	// technology DEPENDS_ON concept is not in the matrix; it must come
	// back as RELATED_TO with confidence scaled by 0.8.
	fake := llm.NewFake().Respond("You identify relationships",
		`[{"source":"PostgreSQL","relationship":"DEPENDS_ON","target":"normalization","confidence":0.9}]`)
	s := newTestService(fake)

	resolved := []resolve.Result{
		resolvedEntity("PostgreSQL", model.EntityTechnology),
		resolvedEntity("normalization", model.EntityConcept),
	}
	edges := s.extractRelations(context.Background(), "u1", &model.DecisionTrace{AgentDecision: "x"}, resolved)
	require.Len(t, edges, 1)
	assert.Equal(t, model.EdgeRelatedTo, edges[0].Type)
	require.NotNil(t, edges[0].Confidence)
	assert.InDelta(t, 0.72, *edges[0].Confidence, 1e-9)
}

func TestExtractRelationsSkipsUnknownAndSelf(t *testing.T) {
	fake := llm.NewFake().Respond("You identify relationships",
		`[{"source":"PostgreSQL","relationship":"DEPENDS_ON","target":"Redis","confidence":0.9},
		  {"source":"PostgreSQL","relationship":"RELATED_TO","target":"PostgreSQL","confidence":0.9},
		  {"source":"PostgreSQL","relationship":"NOT_A_RELATION","target":"MongoDB","confidence":0.9}]`)
	s := newTestService(fake)

	resolved := []resolve.Result{
		resolvedEntity("PostgreSQL", model.EntityTechnology),
		resolvedEntity("MongoDB", model.EntityTechnology),
	}
	edges := s.extractRelations(context.Background(), "u1", &model.DecisionTrace{AgentDecision: "x"}, resolved)
	assert.Empty(t, edges)
}

func TestExtractRelationsNeedsTwoEntities(t *testing.T) {
	fake := llm.NewFake()
	s := newTestService(fake)

	resolved := []resolve.Result{resolvedEntity("PostgreSQL", model.EntityTechnology)}
	edges := s.extractRelations(context.Background(), "u1", &model.DecisionTrace{AgentDecision: "x"}, resolved)
	assert.Nil(t, edges)
	assert.Equal(t, 0, fake.Calls())
}

func TestExtractRelationsDefaultConfidence(t *testing.T) {
	fake := llm.NewFake().Respond("You identify relationships",
		`[{"source":"PostgreSQL","relationship":"ALTERNATIVE_TO","target":"MongoDB"}]`)
	s := newTestService(fake)

	resolved := []resolve.Result{
		resolvedEntity("PostgreSQL", model.EntityTechnology),
		resolvedEntity("MongoDB", model.EntityTechnology),
	}
	edges := s.extractRelations(context.Background(), "u1", &model.DecisionTrace{AgentDecision: "x"}, resolved)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.5, *edges[0].Confidence, 1e-9)
}

func TestIsEntityEdgeType(t *testing.T) {
	assert.True(t, isEntityEdgeType(model.EdgeDependsOn))
	assert.True(t, isEntityEdgeType(model.EdgeRelatedTo))
	assert.False(t, isEntityEdgeType(model.EdgeSupersedes))
	assert.False(t, isEntityEdgeType(model.EdgeInvolves))
}
