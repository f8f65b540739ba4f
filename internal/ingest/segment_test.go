package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
)

func msg(role model.Role, turn int, content string, calls ...model.ToolCall) model.Message {
	return model.Message{Role: role, TurnIndex: turn, Content: content, ToolCalls: calls}
}

func call(name string, input map[string]any) model.ToolCall {
	return model.ToolCall{Name: name, Input: input}
}

func TestSegmentNoBoundarySingleEpisode(t *testing.T) {
	conv := model.Conversation{Messages: []model.Message{
		msg(model.RoleUser, 0, "pick a database"),
		msg(model.RoleAssistant, 1, "PostgreSQL"),
		msg(model.RoleUser, 2, "why?"),
	}}
	eps := NewSegmenter(10 * time.Minute).Segment(conv)
	require.Len(t, eps, 1)
	assert.Len(t, eps[0].Messages, 3)
	assert.Equal(t, 0, eps[0].StartIndex)
}

func TestSegmentWriteAfterExploration(t *testing.T) {
	conv := model.Conversation{Messages: []model.Message{
		msg(model.RoleUser, 0, "refactor the parser"),
		msg(model.RoleAssistant, 1, "looking",
			call("Read", map[string]any{"file_path": "a.go"}),
			call("Grep", map[string]any{"pattern": "x"}),
			call("Edit", map[string]any{"file_path": "a.go"})),
		msg(model.RoleUser, 2, "now the tests"),
		msg(model.RoleAssistant, 3, "ok"),
	}}
	eps := NewSegmenter(0).Segment(conv)
	require.Len(t, eps, 2)
	assert.Len(t, eps[0].Messages, 2)
	assert.Equal(t, model.EpisodeImplementation, eps[0].Kind)
	assert.Equal(t, 2, eps[1].StartIndex)
}

func TestSegmentTimestampGap(t *testing.T) {
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	m0 := msg(model.RoleUser, 0, "use redis for caching")
	m0.Timestamp = base
	m1 := msg(model.RoleAssistant, 1, "done")
	m1.Timestamp = base.Add(time.Minute)
	m2 := msg(model.RoleUser, 2, "switch to memcached")
	m2.Timestamp = base.Add(30 * time.Minute)
	m3 := msg(model.RoleAssistant, 3, "ok")
	m3.Timestamp = base.Add(31 * time.Minute)

	eps := NewSegmenter(10 * time.Minute).Segment(model.Conversation{
		Messages: []model.Message{m0, m1, m2, m3},
	})
	require.Len(t, eps, 2)
	assert.Equal(t, 0, eps[0].StartIndex)
	assert.Equal(t, 2, eps[1].StartIndex)
}

func TestSegmentUserAfterManyToolCalls(t *testing.T) {
	conv := model.Conversation{Messages: []model.Message{
		msg(model.RoleUser, 0, "investigate the bug"),
		msg(model.RoleAssistant, 1, "digging",
			call("Read", nil), call("Read", nil), call("Grep", nil)),
		msg(model.RoleUser, 2, "actually, different question"),
		msg(model.RoleAssistant, 3, "sure"),
	}}
	eps := NewSegmenter(0).Segment(conv)
	require.Len(t, eps, 2)
	assert.Equal(t, 2, eps[1].StartIndex)
}

func TestSegmentDonePhrase(t *testing.T) {
	conv := model.Conversation{Messages: []model.Message{
		msg(model.RoleUser, 0, "add the endpoint"),
		msg(model.RoleAssistant, 1, "added"),
		msg(model.RoleUser, 2, "looks good, moving on to auth"),
		msg(model.RoleUser, 3, "how should tokens work?"),
		msg(model.RoleAssistant, 4, "like this"),
	}}
	eps := NewSegmenter(0).Segment(conv)
	require.Len(t, eps, 2)
	assert.Len(t, eps[0].Messages, 3)
	assert.Equal(t, 3, eps[1].StartIndex)
}

func TestSegmentDropsShortSegments(t *testing.T) {
	// The done phrase cuts after turn 0; the leading one-message segment
	// is not emitted.
	conv := model.Conversation{Messages: []model.Message{
		msg(model.RoleUser, 0, "ship it"),
		msg(model.RoleUser, 1, "next: caching strategy"),
		msg(model.RoleAssistant, 2, "options are..."),
	}}
	eps := NewSegmenter(0).Segment(conv)
	require.Len(t, eps, 1)
	assert.Equal(t, 1, eps[0].StartIndex)
	assert.Len(t, eps[0].Messages, 2)
}

func TestClassifyEpisodeKinds(t *testing.T) {
	explore := []model.Message{
		msg(model.RoleAssistant, 0, "", call("Read", nil), call("Grep", nil)),
		msg(model.RoleAssistant, 1, "found it"),
	}
	assert.Equal(t, model.EpisodeExploration, classifyEpisode(explore, 3))

	impl := []model.Message{
		msg(model.RoleAssistant, 0, "", call("Edit", nil)),
		msg(model.RoleUser, 1, "thanks"),
	}
	assert.Equal(t, model.EpisodeImplementation, classifyEpisode(impl, 3))

	verify := []model.Message{
		msg(model.RoleAssistant, 0, "", call("Bash", map[string]any{"command": "go test ./..."})),
		msg(model.RoleAssistant, 1, "all green"),
	}
	assert.Equal(t, model.EpisodeVerification, classifyEpisode(verify, 3))

	pivot := []model.Message{
		msg(model.RoleUser, 0, "let's use sqlite instead"),
		msg(model.RoleAssistant, 1, "ok"),
	}
	assert.Equal(t, model.EpisodePivot, classifyEpisode(pivot, 3))

	setup := []model.Message{
		msg(model.RoleUser, 0, "here's the project"),
		msg(model.RoleAssistant, 1, "understood"),
	}
	assert.Equal(t, model.EpisodeSetup, classifyEpisode(setup, 0))
	assert.Equal(t, model.EpisodeUnknown, classifyEpisode(setup, 5))
}
