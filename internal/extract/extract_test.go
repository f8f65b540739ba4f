package extract

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/model"
)

// Script-matching anchors: each pipeline stage has a distinct system
// prompt, so fakes key on those rather than on transcript text.
const (
	anchorClassify = "Answer with exactly one word"
	anchorCore     = "You extract engineering decisions"
	anchorVerify   = "You verify a decision"
	anchorGlean    = "missing or too thin"
	anchorRetry    = "failed validation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExtractor(fake *llm.Fake) *Extractor {
	infra := llm.NewInfra(fake, nil, nil, llm.InfraConfig{PromptVersion: "test"}, testLogger())
	return New(infra, Config{
		HighConfidenceThreshold: 0.85,
		MinConfidence:           0.3,
		CalibrationMethod:       "composite",
		PromptVersion:           "test",
	}, testLogger())
}

func dbConversation() (model.Conversation, model.Episode) {
	conv := model.Conversation{
		ProjectName: "shop",
		SourcePath:  "logs/shop/a.jsonl",
		Messages: []model.Message{
			{Role: model.RoleUser, TurnIndex: 0, Content: "Need to pick a database. Looked at PostgreSQL vs MongoDB. PostgreSQL is better fit for our relational data and the team knows SQL. Let's go with PostgreSQL."},
			{Role: model.RoleAssistant, TurnIndex: 1, Content: "Acknowledged."},
		},
	}
	ep := model.Episode{Kind: model.EpisodeSetup, Messages: conv.Messages, StartIndex: 0}
	return conv, ep
}

const dbExtraction = `[{
  "trigger": "Need to select a database for the shop service",
  "context": "Relational data and a team that already knows SQL well",
  "options": ["PostgreSQL", "MongoDB"],
  "decision": "Use PostgreSQL as the primary database",
  "rationale": "Better fit for relational data and existing SQL expertise on the team",
  "confidence": 0.9,
  "scope": "architectural",
  "assumptions": ["data model stays relational"],
  "verbatim_decision": "Let's go with PostgreSQL",
  "turn_index": 0
}]`

func TestExtractSingleDecision(t *testing.T) {
	fake := llm.NewFake().
		Respond(anchorClassify, "architecture").
		Respond(anchorCore, dbExtraction)
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	require.Len(t, traces, 1)

	d := traces[0]
	assert.Equal(t, []string{"PostgreSQL", "MongoDB"}, d.Options)
	assert.Contains(t, d.AgentDecision, "PostgreSQL")
	assert.Equal(t, model.ScopeArchitectural, d.Scope)
	assert.Equal(t, model.SourceClaudeLogs, d.Source)
	assert.GreaterOrEqual(t, d.Confidence, 0.7)
	assert.Equal(t, 0.9, d.RawConfidence)
	assert.Equal(t, model.RationaleAssistant, d.RationaleAuthor)
	assert.Equal(t, "shop", d.ProjectName)
	assert.Equal(t, "logs/shop/a.jsonl", d.Provenance.SourcePath)

	// The verbatim decision quote is grounded to its source offsets.
	require.NotNil(t, d.DecisionSpan)
	full := conv.FullText()
	assert.Equal(t, "Let's go with PostgreSQL", full[d.DecisionSpan.Start:d.DecisionSpan.End])
	assert.Equal(t, 0, d.DecisionSpan.TurnIndex)

	// Confidence 0.9 is above the verify threshold; only classify and
	// the core call ran.
	assert.Equal(t, 2, fake.Calls())
}

func TestExtractHallucinationGuard(t *testing.T) {
	// The trigger is a verbatim few-shot example string; the gate drops
	// it regardless of confidence.
	fake := llm.NewFake().
		Respond(anchorClassify, "general").
		Respond(anchorCore, `[{
			"trigger": "need to select a database for the project",
			"context": "some plausible context text here to pass completeness",
			"options": ["A", "B"],
			"decision": "Use option A for everything",
			"rationale": "entirely made up rationale that sounds plausible",
			"confidence": 0.95,
			"scope": "architectural"
		}]`)
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestExtractShortDecisionDropped(t *testing.T) {
	fake := llm.NewFake().
		Respond(anchorClassify, "general").
		Respond(anchorCore, `[{
			"trigger": "a real enough trigger for the gate to consider",
			"options": ["x"],
			"decision": "yes",
			"rationale": "short answers carry no decision content",
			"confidence": 0.2,
			"scope": "config"
		}]`)
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestExtractParseErrorReturnsEmpty(t *testing.T) {
	fake := llm.NewFake().
		Respond(anchorClassify, "general").
		Respond(anchorCore, "I could not find any decisions, sorry!")
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestExtractLLMFailureReturnsEmpty(t *testing.T) {
	fake := llm.NewFake().Respond(anchorClassify, "general")
	fake.Default = "" // core call has no script and errors
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestExtractVerifyRejection(t *testing.T) {
	// Low confidence triggers the verify pass, which reports the
	// decision is a rejected alternative.
	fake := llm.NewFake().
		Respond(anchorClassify, "general").
		Respond(anchorCore, `[{
			"trigger": "considering a switch of the storage engine",
			"context": "ample context that makes this extraction look complete",
			"options": ["RocksDB", "BoltDB"],
			"decision": "Switch everything over to RocksDB",
			"rationale": "throughput numbers looked better in the benchmark",
			"confidence": 0.5,
			"scope": "library"
		}]`).
		Respond(anchorVerify, `{"evidenced": true, "implemented_path": false, "real_alternatives": true, "confidence": 0.4}`)
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestExtractVerifyCorrections(t *testing.T) {
	fake := llm.NewFake().
		Respond(anchorClassify, "general").
		Respond(anchorCore, `[{
			"trigger": "deciding on the caching layer for the read path",
			"context": "read-heavy workload with strict latency targets",
			"options": ["Redis", "in-process LRU"],
			"decision": "Use Redis for the shared cache",
			"rationale": "shared across replicas and already deployed",
			"confidence": 0.6,
			"scope": "architectural"
		}]`).
		Respond(anchorVerify, `{"evidenced": true, "implemented_path": true, "real_alternatives": true, "confidence": 0.8, "corrections": {"scope": "library"}}`)
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, model.ScopeLibrary, traces[0].Scope)
	assert.Equal(t, 0.8, traces[0].RawConfidence)
}

func TestExtractGleaningFillsThinFields(t *testing.T) {
	// Core output is thin (completeness < 0.6): the gleaning pass runs
	// and its patch merges into the record.
	fake := llm.NewFake().
		Respond(anchorClassify, "general").
		Respond(anchorGlean, `{
			"context": "filled in by the gleaning pass with enough detail",
			"rationale": "gleaned rationale that explains the choice properly"
		}`).
		Respond(anchorCore, `[{
			"trigger": "choosing the serialization format for the event log",
			"options": ["JSON", "protobuf"],
			"decision": "Use protobuf for all event payloads",
			"confidence": 0.9,
			"scope": "architectural"
		}]`)
	e := newExtractor(fake)

	conv, ep := dbConversation()
	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Contains(t, traces[0].Context, "gleaning pass")
	assert.Contains(t, traces[0].AgentRationale, "gleaned rationale")
}

func TestExtractThinkingWinsRationaleAuthor(t *testing.T) {
	conv, ep := dbConversation()
	ep.Messages = append([]model.Message(nil), ep.Messages...)
	ep.Messages[1].Thinking = "weighing relational fit against scaling needs"
	conv.Messages = ep.Messages

	fake := llm.NewFake().
		Respond(anchorClassify, "architecture").
		Respond(anchorCore, dbExtraction)
	e := newExtractor(fake)

	traces, err := e.Extract(context.Background(), "u1", conv, ep)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, model.RationaleThinking, traces[0].RationaleAuthor)
	assert.Equal(t, "weighing relational fit against scaling needs", traces[0].RawRationale)
}

func TestBudgetTruncatesOldestMessages(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 200) // ~1.4k tokens per message
	msgs := make([]model.Message, 8)
	for i := range msgs {
		msgs[i] = model.Message{Role: model.RoleUser, TurnIndex: i, Content: long}
	}
	ep := model.Episode{Messages: msgs}

	e := New(llm.NewInfra(llm.NewFake(), nil, nil, llm.InfraConfig{}, testLogger()),
		Config{MaxPromptTokens: 4000}, testLogger())

	text, removed := e.budget(ep)
	assert.Greater(t, removed, 0)
	assert.Contains(t, text, "[TRUNCATED:")
	assert.LessOrEqual(t, estimateEpisodeTokens(text, 8-removed), 4000)
	// Recent messages survive.
	assert.Contains(t, text, "[Turn 7 | user]")
	assert.NotContains(t, text, "[Turn 0 | user]")
}

func TestClassifyByKeywords(t *testing.T) {
	assert.Equal(t, TypeArchitecture, classifyByKeywords("we debated the database schema and service boundaries"))
	assert.Equal(t, TypeTechnology, classifyByKeywords("which library or framework should we add as a dependency"))
	assert.Equal(t, TypeProcess, classifyByKeywords("the deploy pipeline and release workflow need review"))
	assert.Equal(t, TypeGeneral, classifyByKeywords("hello there"))
}

func TestClassifyFallsBackOnBadLLMAnswer(t *testing.T) {
	fake := llm.NewFake().Respond(anchorClassify, "beep boop")
	e := newExtractor(fake)
	got := e.classify(context.Background(), "u1", "the deploy pipeline and release workflow")
	assert.Equal(t, TypeProcess, got)
}
