package ingest

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramhq/engram/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseString(t *testing.T, jsonl string) []model.Conversation {
	t.Helper()
	p := NewParser(testLogger())
	return p.Parse(bytes.NewReader([]byte(jsonl)), "test.jsonl", "proj")
}

func TestParseStringContent(t *testing.T) {
	convs := parseString(t, `
{"type":"message","message":{"role":"user","content":"pick a database"},"timestamp":"2026-01-02T10:00:00Z"}
{"type":"message","message":{"role":"assistant","content":"PostgreSQL it is"}}
`)
	require.Len(t, convs, 1)
	msgs := convs[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "pick a database", msgs[0].Content)
	assert.Equal(t, 0, msgs[0].TurnIndex)
	assert.Equal(t, 1, msgs[1].TurnIndex)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.Equal(t, "proj", convs[0].ProjectName)
}

func TestParseBlockContent(t *testing.T) {
	convs := parseString(t, `
{"type":"message","message":{"role":"assistant","content":[{"type":"thinking","thinking":"weigh the options"},{"type":"text","text":"Let me check."},{"type":"tool_use","id":"tc1","name":"Read","input":{"file_path":"main.go"}}]}}
{"type":"message","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"package main"}]}}
`)
	require.Len(t, convs, 1)
	msgs := convs[0].Messages
	require.Len(t, msgs, 2)

	assert.Equal(t, "weigh the options", msgs[0].Thinking)
	assert.Equal(t, "Let me check.", msgs[0].Content)
	require.Len(t, msgs[0].ToolCalls, 1)
	tc := msgs[0].ToolCalls[0]
	assert.Equal(t, "Read", tc.Name)
	assert.Equal(t, "main.go", tc.Input["file_path"])

	// The tool_result in the next user turn lands on the assistant's call.
	assert.Equal(t, "package main", tc.Result)
}

func TestParseToolResultBlockList(t *testing.T) {
	convs := parseString(t, `
{"type":"message","message":{"role":"assistant","content":[{"type":"tool_use","id":"a","name":"Grep","input":{}}]}}
{"type":"message","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"a","content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}]}}
`)
	require.Len(t, convs, 1)
	assert.Equal(t, "one\ntwo", convs[0].Messages[0].ToolCalls[0].Result)
}

func TestParseUnmatchedToolResultDiscarded(t *testing.T) {
	convs := parseString(t, `
{"type":"message","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"ghost","content":"orphan"}]}}
{"type":"message","message":{"role":"assistant","content":"ok"}}
`)
	require.Len(t, convs, 1)
	for _, m := range convs[0].Messages {
		assert.Empty(t, m.ToolCalls)
	}
}

func TestParseSkipsMalformedAndUnknownLines(t *testing.T) {
	convs := parseString(t, `
not json at all
{"type":"summary","note":"ignored"}
{"type":"message","message":{"role":"user","content":"hello"}}
{"type":"message"}
`)
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, "hello", convs[0].Messages[0].Content)
}

func TestParseConversationEndSplits(t *testing.T) {
	convs := parseString(t, `
{"type":"message","message":{"role":"user","content":"first"}}
{"type":"conversation_end"}
{"type":"message","message":{"role":"user","content":"second"}}
`)
	require.Len(t, convs, 2)
	assert.Equal(t, "first", convs[0].Messages[0].Content)
	assert.Equal(t, "second", convs[1].Messages[0].Content)
	// Turn indexes restart per conversation.
	assert.Equal(t, 0, convs[1].Messages[0].TurnIndex)
}

func TestParseFileComputesSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	content := `{"type":"message","message":{"role":"user","content":"hi"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p := NewParser(testLogger())
	convs, sha, err := p.ParseFile(path, "proj")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Len(t, sha, 64)

	// Same bytes, same hash.
	_, sha2, err := p.ParseFile(path, "proj")
	require.NoError(t, err)
	assert.Equal(t, sha, sha2)

	// Appending changes the hash, so the file is re-processed.
	require.NoError(t, os.WriteFile(path, []byte(content+content), 0o644))
	_, sha3, err := p.ParseFile(path, "proj")
	require.NoError(t, err)
	assert.NotEqual(t, sha, sha3)
}
