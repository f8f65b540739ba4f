package engram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, User: "alice"})
	require.NoError(t, err)
	return c
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": data,
		"meta": map[string]any{"request_id": "req-1"},
	})
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{User: "alice"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost:8080"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://localhost:8080/", User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

func TestClientSendsUserHeader(t *testing.T) {
	var gotUser string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(UserHeader)
		writeEnvelope(w, http.StatusOK, GraphStats{Decisions: 3})
	})

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, 3, stats.Decisions)
}

func TestCreateDecisionDecodesSaveResult(t *testing.T) {
	id := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/decisions", r.URL.Path)

		var req CreateDecisionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "use pgx", req.AgentDecision)

		writeEnvelope(w, http.StatusCreated, SaveResult{
			Decision: Decision{ID: id, AgentDecision: req.AgentDecision},
			Entities: []ResolvedEntity{
				{Entity: Entity{Name: "pgx", Type: "library"}, MatchMethod: "exact", Score: 1, Created: true},
			},
		})
	})

	res, err := c.CreateDecision(context.Background(), CreateDecisionRequest{
		AgentDecision: "use pgx",
		Confidence:    0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, id, res.Decision.ID)
	require.Len(t, res.Entities, 1)
	assert.True(t, res.Entities[0].Created)
}

func TestListDecisionsQueryParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "payments", q.Get("project"))
		assert.Equal(t, "library", q.Get("scope"))
		assert.Equal(t, "0.5", q.Get("min_confidence"))
		assert.Equal(t, "25", q.Get("limit"))
		writeEnvelope(w, http.StatusOK, DecisionList{Total: 0, Limit: 25})
	})

	list, err := c.ListDecisions(context.Background(), ListOptions{
		Project:       "payments",
		Scope:         "library",
		MinConfidence: 0.5,
		Limit:         25,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, list.Limit)
}

func TestSearchHybridUnwrapsResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/graph/search/hybrid", r.URL.Path)
		writeEnvelope(w, http.StatusOK, map[string]any{
			"results": []Hit{{Kind: "decision", Score: 0.87}},
		})
	})

	hits, err := c.SearchHybrid(context.Background(), SearchRequest{Query: "cache layer"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "decision", hits[0].Kind)
	assert.InDelta(t, 0.87, hits[0].Score, 1e-9)
}

func TestErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "not_found", "message": "decision not found"},
			"meta":  map[string]any{"request_id": "req-404"},
		})
	})

	_, err := c.GetDecision(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "req-404", apiErr.RequestID)
	assert.Contains(t, apiErr.Error(), "decision not found")
}

func TestErrorNonJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	})

	err := c.DeleteDecision(context.Background(), uuid.New())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream timeout", apiErr.Message)
}

func TestCheckDecodesContradictions(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent/check", r.URL.Path)
		writeEnvelope(w, http.StatusOK, CheckResponse{
			HasPrecedent: true,
			Decisions:    []ContextDecision{{Decision: Decision{AgentDecision: "redis"}, Score: 0.9}},
			Contradictions: []ContradictionPair{
				{AID: a, BID: b, Reason: "later decision picked memcached"},
			},
		})
	})

	res, err := c.Check(context.Background(), ContextRequest{Query: "which cache"})
	require.NoError(t, err)
	assert.True(t, res.HasPrecedent)
	require.Len(t, res.Contradictions, 1)
	assert.Equal(t, a, res.Contradictions[0].AID)
}
