package model

import (
	"time"

	"github.com/google/uuid"
)

// EdgeType is a typed relationship in the graph.
type EdgeType string

// Decision-level edges.
const (
	EdgeInvolves     EdgeType = "INVOLVES"
	EdgeSimilarTo    EdgeType = "SIMILAR_TO"
	EdgeInfluencedBy EdgeType = "INFLUENCED_BY"
	EdgeSupersedes   EdgeType = "SUPERSEDES"
	EdgeContradicts  EdgeType = "CONTRADICTS"
	EdgeFollows      EdgeType = "FOLLOWS"
	EdgePrecedes     EdgeType = "PRECEDES"
	EdgeAffects      EdgeType = "AFFECTS"
	EdgeRejectedBy   EdgeType = "REJECTED_BY"
)

// Entity-to-entity edges.
const (
	EdgeIsA         EdgeType = "IS_A"
	EdgePartOf      EdgeType = "PART_OF"
	EdgeDependsOn   EdgeType = "DEPENDS_ON"
	EdgeRequires    EdgeType = "REQUIRES"
	EdgeEnables     EdgeType = "ENABLES"
	EdgeAlternative EdgeType = "ALTERNATIVE_TO"
	EdgeRefines     EdgeType = "REFINES"
	EdgeRelatedTo   EdgeType = "RELATED_TO"
)

// NodeKind distinguishes node tables in the graph store.
type NodeKind string

const (
	NodeDecision  NodeKind = "decision"
	NodeEntity    NodeKind = "entity"
	NodeCandidate NodeKind = "candidate"
	NodeCode      NodeKind = "code"
	NodeCommit    NodeKind = "commit"
)

// Edge is a directed, typed relationship with bi-temporal validity.
// ValidAt is when the relationship became true; InvalidAt when it ceased
// to be (stamped on INVOLVES edges when the source decision is
// superseded), enabling point-in-time queries.
type Edge struct {
	ID         uuid.UUID  `json:"id"`
	Type       EdgeType   `json:"type"`
	SourceID   uuid.UUID  `json:"source_id"`
	SourceKind NodeKind   `json:"source_kind"`
	TargetID   uuid.UUID  `json:"target_id"`
	TargetKind NodeKind   `json:"target_kind"`
	Confidence *float64   `json:"confidence,omitempty"`
	Weight     *float64   `json:"weight,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	ValidAt    *time.Time `json:"valid_at,omitempty"`
	InvalidAt  *time.Time `json:"invalid_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// entityEdgeMatrix holds the valid (source type, relationship, target
// type) combinations for entity-to-entity edges. Pairs not listed fall
// back to RELATED_TO with confidence scaled by 0.8.
var entityEdgeMatrix = map[EdgeType][][2]EntityType{
	EdgeIsA: {
		{EntityTechnology, EntityConcept},
		{EntityTechnology, EntityTechnology},
		{EntityPattern, EntityConcept},
		{EntityConcept, EntityConcept},
		{EntitySystem, EntityConcept},
	},
	EdgePartOf: {
		{EntityTechnology, EntitySystem},
		{EntitySystem, EntitySystem},
		{EntityFile, EntitySystem},
		{EntityConcept, EntityConcept},
		{EntityPattern, EntitySystem},
	},
	EdgeDependsOn: {
		{EntityTechnology, EntityTechnology},
		{EntitySystem, EntityTechnology},
		{EntitySystem, EntitySystem},
		{EntityFile, EntityTechnology},
		{EntityFile, EntityFile},
	},
	EdgeRequires: {
		{EntityTechnology, EntityTechnology},
		{EntityPattern, EntityTechnology},
		{EntitySystem, EntityTechnology},
		{EntityConcept, EntityConcept},
	},
	EdgeEnables: {
		{EntityTechnology, EntityConcept},
		{EntityTechnology, EntityPattern},
		{EntityPattern, EntityConcept},
		{EntitySystem, EntityConcept},
	},
	EdgeAlternative: {
		{EntityTechnology, EntityTechnology},
		{EntityPattern, EntityPattern},
		{EntitySystem, EntitySystem},
	},
	EdgeRefines: {
		{EntityPattern, EntityPattern},
		{EntityConcept, EntityConcept},
	},
}

// EntityEdgeTypes lists the relationship types permitted between entities.
func EntityEdgeTypes() []EdgeType {
	return []EdgeType{
		EdgeIsA, EdgePartOf, EdgeDependsOn, EdgeRequires,
		EdgeEnables, EdgeAlternative, EdgeRefines, EdgeRelatedTo,
	}
}

// CycleSensitiveEdgeTypes are the entity relationships checked for
// circular dependencies.
func CycleSensitiveEdgeTypes() []EdgeType {
	return []EdgeType{EdgeDependsOn, EdgeRequires, EdgePartOf, EdgeIsA, EdgeRefines}
}

// ValidateEntityEdge checks a (source type, relationship, target type)
// triple against the static matrix. When invalid it returns RELATED_TO
// and the caller scales confidence by RelatedToConfidenceFactor.
func ValidateEntityEdge(src EntityType, rel EdgeType, dst EntityType) (EdgeType, bool) {
	if rel == EdgeRelatedTo {
		return EdgeRelatedTo, true
	}
	for _, pair := range entityEdgeMatrix[rel] {
		if pair[0] == src && pair[1] == dst {
			return rel, true
		}
	}
	return EdgeRelatedTo, false
}

// RelatedToConfidenceFactor is applied when an edge is downgraded to
// RELATED_TO by the validation matrix.
const RelatedToConfidenceFactor = 0.8
