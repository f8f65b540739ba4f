package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/engramhq/engram/internal/model"
)

func TestPagination(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/graph?page=3&page_size=20", nil)
	limit, offset, page, pageSize := pagination(r)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 40, offset)
	assert.Equal(t, 3, page)
	assert.Equal(t, 20, pageSize)
}

func TestPaginationDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/graph", nil)
	limit, offset, page, pageSize := pagination(r)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 0, offset)
	assert.Equal(t, 1, page)
	assert.Equal(t, 50, pageSize)
}

func TestPaginationClampsBadValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/graph?page=-2&page_size=9999", nil)
	limit, offset, _, _ := pagination(r)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 0, offset)
}

func TestPages(t *testing.T) {
	assert.Equal(t, 0, pages(0, 50))
	assert.Equal(t, 1, pages(1, 50))
	assert.Equal(t, 2, pages(51, 50))
	assert.Equal(t, 0, pages(10, 0))
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?n=7&f=0.5&b=true&bad=oops", nil)
	assert.Equal(t, 7, queryInt(r, "n", 1))
	assert.Equal(t, 1, queryInt(r, "missing", 1))
	assert.Equal(t, 1, queryInt(r, "bad", 1))
	assert.InDelta(t, 0.5, queryFloat(r, "f", 0), 1e-9)
	assert.True(t, queryBool(r, "b"))
	assert.False(t, queryBool(r, "missing"))
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV("a, b"))
	assert.Equal(t, []string{"a"}, splitCSV(" a ,, "))
	assert.Nil(t, splitCSV(""))
}

func TestValidEntityEdgeType(t *testing.T) {
	assert.True(t, validEntityEdgeType(model.EdgeDependsOn))
	assert.True(t, validEntityEdgeType(model.EdgeRelatedTo))
	assert.False(t, validEntityEdgeType(model.EdgeSupersedes))
	assert.False(t, validEntityEdgeType(model.EdgeType("MADE_UP")))
}
