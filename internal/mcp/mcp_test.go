package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitOptions(t *testing.T) {
	assert.Equal(t, []string{"PostgreSQL", "MongoDB"}, splitOptions("PostgreSQL, MongoDB"))
	assert.Equal(t, []string{"a"}, splitOptions(" a ,, "))
	assert.Nil(t, splitOptions(""))
}

func TestErrorResult(t *testing.T) {
	r := errorResult("boom")
	assert.True(t, r.IsError)
	assert.Len(t, r.Content, 1)
}

func TestJSONResult(t *testing.T) {
	r, err := jsonResult(map[string]string{"k": "v"})
	assert.NoError(t, err)
	assert.False(t, r.IsError)
}
