package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	A string `json:"a"`
}

func TestDecodeObjectListPlain(t *testing.T) {
	var out []probe
	require.NoError(t, DecodeObjectList(`[{"a":"x"},{"a":"y"}]`, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "y", out[1].A)
}

func TestDecodeObjectListFenced(t *testing.T) {
	var out []probe
	text := "Here is the result:\n```json\n[{\"a\":\"x\"}]\n```\nLet me know if you need more."
	require.NoError(t, DecodeObjectList(text, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].A)
}

func TestDecodeObjectListSingleObjectWrapped(t *testing.T) {
	var out []probe
	require.NoError(t, DecodeObjectList(`The decision is {"a":"only one"} as requested.`, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "only one", out[0].A)
}

func TestDecodeObjectListTrailingCommentary(t *testing.T) {
	var out []probe
	require.NoError(t, DecodeObjectList(`[{"a":"x"}] — note: brackets [inside] commentary are ignored`, &out))
	require.Len(t, out, 1)
}

func TestDecodeObjectListBracketsInsideStrings(t *testing.T) {
	var out []probe
	require.NoError(t, DecodeObjectList(`[{"a":"value with ] bracket and \" quote"}]`, &out))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].A, "] bracket")
}

func TestDecodeObjectListNoJSON(t *testing.T) {
	var out []probe
	assert.Error(t, DecodeObjectList("no decisions were found", &out))
}

func TestDecodeObject(t *testing.T) {
	var out probe
	require.NoError(t, DecodeObject("```\n{\"a\":\"z\"}\n```", &out))
	assert.Equal(t, "z", out.A)
	assert.Error(t, DecodeObject("nothing here", &out))
}
