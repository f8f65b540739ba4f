package agentctx

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/storage"
)

const (
	// Decision ranking weights: confidence, entity richness, recency
	// signal (has a real timestamp).
	rankConfidenceWeight = 0.4
	rankEntityWeight     = 0.3
	rankTimestampWeight  = 0.3
	// Entity richness saturates at this many linked entities.
	rankEntityHorizon = 10.0

	// Knowledge-gap thresholds: a type with this few decisions, or with
	// average confidence below the floor, is underexplored.
	gapMaxDecisions  = 2
	gapMinConfidence = 0.6

	// Ranking scans at most this many decisions.
	summaryScanLimit = 1000
)

// EntitySummary is one top entity with its closest co-occurring peers.
type EntitySummary struct {
	Entity  model.Entity   `json:"entity"`
	Related []model.Entity `json:"related,omitempty"`
}

// RankedDecision is one top decision with its composite rank and
// supersession status.
type RankedDecision struct {
	Decision  model.DecisionTrace `json:"decision"`
	Rank      float64             `json:"rank"`
	IsCurrent bool                `json:"is_current"`
}

// ContradictionPair is an unresolved contradiction: neither side has
// been superseded.
type ContradictionPair struct {
	AID       uuid.UUID `json:"a_id"`
	BID       uuid.UUID `json:"b_id"`
	CrossUser bool      `json:"cross_user,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// KnowledgeGap flags an entity type the graph covers thinly.
type KnowledgeGap struct {
	Type          model.EntityType `json:"type"`
	DecisionCount int              `json:"decision_count"`
	AvgConfidence float64          `json:"avg_confidence"`
}

// Summary is the graph overview served to agents.
type Summary struct {
	DecisionCount  int                 `json:"decision_count"`
	TopEntities    []EntitySummary     `json:"top_entities,omitempty"`
	TopDecisions   []RankedDecision    `json:"top_decisions,omitempty"`
	Contradictions []ContradictionPair `json:"contradictions,omitempty"`
	KnowledgeGaps  []KnowledgeGap      `json:"knowledge_gaps,omitempty"`
}

// Summary builds (or serves from cache) the user's graph overview.
func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	return cached(ctx, s, cacheKey(userID, "summary", ""), s.cfg.SummaryTTL, func() (Summary, error) {
		return s.buildSummary(ctx, userID)
	})
}

func (s *Service) buildSummary(ctx context.Context, userID string) (Summary, error) {
	var out Summary

	count, err := s.db.CountDecisions(ctx, userID, "")
	if err != nil {
		return out, fmt.Errorf("agentctx: summary: %w", err)
	}
	out.DecisionCount = count

	top, err := s.db.TopEntities(ctx, userID, s.cfg.TopEntities)
	if err != nil {
		return out, fmt.Errorf("agentctx: summary: %w", err)
	}
	for _, e := range top {
		related, err := s.db.RelatedEntities(ctx, userID, e.ID, s.cfg.RelatedPerEntity)
		if err != nil {
			return out, fmt.Errorf("agentctx: summary: %w", err)
		}
		out.TopEntities = append(out.TopEntities, EntitySummary{Entity: e, Related: related})
	}

	superseded, err := s.db.SupersededBy(ctx, userID)
	if err != nil {
		return out, fmt.Errorf("agentctx: summary: %w", err)
	}

	ranked, err := s.topDecisions(ctx, userID, superseded)
	if err != nil {
		return out, err
	}
	out.TopDecisions = ranked

	contradictions, err := s.unresolvedContradictions(ctx, userID, superseded)
	if err != nil {
		return out, err
	}
	out.Contradictions = contradictions

	gaps, err := s.knowledgeGaps(ctx, userID)
	if err != nil {
		return out, err
	}
	out.KnowledgeGaps = gaps
	return out, nil
}

func (s *Service) topDecisions(ctx context.Context, userID string, superseded map[uuid.UUID]uuid.UUID) ([]RankedDecision, error) {
	all, _, err := s.db.ListDecisions(ctx, userID, storage.DecisionFilters{Limit: summaryScanLimit})
	if err != nil {
		return nil, fmt.Errorf("agentctx: top decisions: %w", err)
	}
	entitySets, err := s.db.DecisionEntityIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("agentctx: top decisions: %w", err)
	}

	ranked := make([]RankedDecision, 0, len(all))
	for _, d := range all {
		_, hasSuperseder := superseded[d.ID]
		ranked = append(ranked, RankedDecision{
			Decision:  d,
			Rank:      decisionRank(d, len(entitySets[d.ID])),
			IsCurrent: !hasSuperseder,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank > ranked[j].Rank })
	if len(ranked) > s.cfg.TopDecisions {
		ranked = ranked[:s.cfg.TopDecisions]
	}
	return ranked, nil
}

func decisionRank(d model.DecisionTrace, entityCount int) float64 {
	richness := float64(entityCount) / rankEntityHorizon
	if richness > 1 {
		richness = 1
	}
	hasTimestamp := 0.0
	if !d.CreatedAt.IsZero() {
		hasTimestamp = 1
	}
	return rankConfidenceWeight*d.Confidence + rankEntityWeight*richness + rankTimestampWeight*hasTimestamp
}

func (s *Service) unresolvedContradictions(ctx context.Context, userID string, superseded map[uuid.UUID]uuid.UUID) ([]ContradictionPair, error) {
	edges, err := s.db.ContradictionEdges(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("agentctx: contradictions: %w", err)
	}
	var pairs []ContradictionPair
	for _, e := range edges {
		if _, ok := superseded[e.SourceID]; ok {
			continue
		}
		if _, ok := superseded[e.TargetID]; ok {
			continue
		}
		pair := ContradictionPair{AID: e.SourceID, BID: e.TargetID, Reason: e.Reasoning}
		if v, ok := e.Properties["cross_user"].(bool); ok {
			pair.CrossUser = v
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func (s *Service) knowledgeGaps(ctx context.Context, userID string) ([]KnowledgeGap, error) {
	stats, err := s.db.EntityTypeStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("agentctx: knowledge gaps: %w", err)
	}
	var gaps []KnowledgeGap
	for _, st := range stats {
		if st.DecisionCount <= gapMaxDecisions || st.AvgConfidence < gapMinConfidence {
			gaps = append(gaps, KnowledgeGap{
				Type:          st.Type,
				DecisionCount: st.DecisionCount,
				AvgConfidence: st.AvgConfidence,
			})
		}
	}
	return gaps, nil
}
