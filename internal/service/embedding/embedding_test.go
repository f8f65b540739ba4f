package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIProviderCustomBaseURL(t *testing.T) {
	var gotPath string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := embedResponse{}
		// Reverse order to verify index-based placement.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, 4)
			vec[0] = float32(i)
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL+"/v1", "test-key", "test-model", 4)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/embeddings" {
		t.Errorf("expected /v1/embeddings, got %s", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	for i, vec := range vecs {
		if vec.Slice()[0] != float32(i) {
			t.Errorf("vector %d misplaced: first element %f", i, vec.Slice()[0])
		}
	}
}

func TestOpenAIProviderClampsInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input[0]) > maxInputChars {
			t.Errorf("input not clamped: %d chars", len(req.Input[0]))
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{{Embedding: []float32{0, 0}, Index: 0}}})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "", "test-model", 2)
	_, err := p.Embed(context.Background(), strings.Repeat("x", maxInputChars*2))
	if err != nil {
		t.Fatal(err)
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)
	if p.Dimensions() != 8 {
		t.Fatalf("expected 8 dims, got %d", p.Dimensions())
	}
	vec, err := p.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range vec.Slice() {
		if v != 0 {
			t.Fatal("noop vector should be all zeros")
		}
	}
}
