package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramhq/engram/internal/extract"
	"github.com/engramhq/engram/internal/llm"
)

// Reranker reorders a candidate slice against the query. Implementations
// return the same hits with Score replaced by the rerank relevance.
type Reranker interface {
	Rerank(ctx context.Context, userID, query string, hits []Hit) ([]Hit, error)
}

const rerankTemperature = 0.0

const rerankSystemPrompt = `You rank search results by relevance to a query about past engineering decisions.
Score every candidate from 0.0 (irrelevant) to 1.0 (exactly what was asked).
Answer with JSON only: [{"index": 0, "score": 0.0}, ...] covering every candidate once.`

// LLMReranker scores candidates with one generation call.
type LLMReranker struct {
	infra *llm.Infra
}

func NewLLMReranker(infra *llm.Infra) *LLMReranker {
	return &LLMReranker{infra: infra}
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (r *LLMReranker) Rerank(ctx context.Context, userID, query string, hits []Hit) ([]Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] %s\n", i, candidateText(h))
	}

	resp, err := r.infra.Generate(ctx, llm.Request{
		System:      rerankSystemPrompt,
		Prompt:      b.String(),
		Temperature: rerankTemperature,
		UserID:      userID,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: rerank call: %w", err)
	}

	var scores []rerankScore
	if err := extract.DecodeObjectList(resp.Text, &scores); err != nil {
		return nil, fmt.Errorf("retrieval: rerank response: %w", err)
	}

	out := append([]Hit(nil), hits...)
	for _, sc := range scores {
		if sc.Index < 0 || sc.Index >= len(out) {
			continue
		}
		out[sc.Index].Score = clamp01(sc.Score)
	}
	sortHits(out)
	return out, nil
}

// candidateText flattens a hit into the one-line form the reranker
// prompt uses.
func candidateText(h Hit) string {
	if h.Entity != nil {
		return fmt.Sprintf("Entity: %s (%s)", h.Entity.Name, h.Entity.Type)
	}
	if h.Decision == nil {
		return ""
	}
	d := h.Decision
	var parts []string
	if d.Trigger != "" {
		parts = append(parts, "Trigger: "+d.Trigger)
	}
	parts = append(parts, "Decision: "+d.AgentDecision)
	if d.AgentRationale != "" {
		parts = append(parts, "Rationale: "+d.AgentRationale)
	}
	if d.Context != "" {
		parts = append(parts, "Context: "+d.Context)
	}
	return strings.Join(parts, " ")
}
