package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
)

func mkConv(contents ...string) model.Conversation {
	msgs := make([]model.Message, len(contents))
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs[i] = model.Message{Role: role, TurnIndex: i, Content: c}
	}
	return model.Conversation{Messages: msgs}
}

func TestGroundSpanExact(t *testing.T) {
	c := mkConv("we should use PostgreSQL here", "agreed")
	span := GroundSpan(c, "use PostgreSQL", nil)
	require.NotNil(t, span)
	assert.Equal(t, "use PostgreSQL", c.FullText()[span.Start:span.End])
	assert.Equal(t, 0, span.TurnIndex)
}

func TestGroundSpanWhitespaceNormalized(t *testing.T) {
	// The source has a line break and double spaces inside the quote
	// region; the quote uses single spaces.
	c := mkConv("we should\n  use   PostgreSQL here")
	span := GroundSpan(c, "use PostgreSQL here", nil)
	require.NotNil(t, span)
	got := c.FullText()[span.Start:span.End]
	assert.Equal(t, "use   PostgreSQL here", got)
}

func TestGroundSpanSecondTurn(t *testing.T) {
	c := mkConv("first turn text", "the quote lives here")
	span := GroundSpan(c, "quote lives", nil)
	require.NotNil(t, span)
	assert.Equal(t, 1, span.TurnIndex)
}

func TestGroundSpanRespectsLLMTurn(t *testing.T) {
	c := mkConv("same words", "same words")
	turn := 1
	span := GroundSpan(c, "same words", &turn)
	require.NotNil(t, span)
	assert.Equal(t, 1, span.TurnIndex)
}

func TestGroundSpanMissingQuote(t *testing.T) {
	c := mkConv("nothing relevant")
	assert.Nil(t, GroundSpan(c, "never said this", nil))
	assert.Nil(t, GroundSpan(c, "   ", nil))
}

func TestGroundSpanCaseInsensitive(t *testing.T) {
	c := mkConv("We Should Use PostgreSQL")
	span := GroundSpan(c, "we should use postgresql", nil)
	require.NotNil(t, span)
	assert.Equal(t, "We Should Use PostgreSQL", c.FullText()[span.Start:span.End])
}

func TestRationaleAuthorPriority(t *testing.T) {
	withThinking := model.Episode{Messages: []model.Message{
		{Role: model.RoleAssistant, Thinking: "internal deliberation"},
	}}
	assert.Equal(t, model.RationaleThinking, RationaleAuthor(withThinking, "whatever"))

	userSaid := model.Episode{Messages: []model.Message{
		{Role: model.RoleUser, Content: "postgres fits our relational data better"},
		{Role: model.RoleAssistant, Content: "ok"},
	}}
	assert.Equal(t, model.RationaleUser,
		RationaleAuthor(userSaid, "Postgres fits our relational data better than the rest"))

	assert.Equal(t, model.RationaleAssistant,
		RationaleAuthor(userSaid, "a rationale nobody typed"))
}

func TestCompletenessScore(t *testing.T) {
	full := rawDecision{
		Trigger:   "a trigger with plenty of characters",
		Context:   "a context with plenty of characters",
		Options:   []string{"option number one", "option two"},
		Decision:  "a decision with plenty of characters",
		Rationale: "a rationale with plenty of characters",
	}
	assert.Equal(t, 1.0, completenessScore(full))

	thin := rawDecision{Decision: "a decision with plenty of characters"}
	assert.Equal(t, 0.2, completenessScore(thin))
}

func TestEvidenceScore(t *testing.T) {
	source := "we chose PostgreSQL because the data is relational"

	exact := rawDecision{VerbatimDecision: "chose PostgreSQL"}
	assert.Equal(t, 1.0, evidenceScore(exact, source))

	partial := rawDecision{VerbatimDecision: "PostgreSQL relational data chosen carefully"}
	assert.Equal(t, 0.5, evidenceScore(partial, source))

	fabricated := rawDecision{VerbatimDecision: "mongodb sharded clusters everywhere always"}
	assert.Equal(t, 0.2, evidenceScore(fabricated, source))

	none := rawDecision{}
	assert.Equal(t, 0.35, evidenceScore(none, source))
}
