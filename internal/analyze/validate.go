package analyze

import (
	"context"
	"fmt"

	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/resolve"
)

const (
	lowConfidenceEdgeThreshold = 0.5
	duplicateRatioThreshold    = 0.85
	// Duplicate scan pages entities like the resolver does.
	duplicatePageSize     = 100
	duplicateCandidateCap = 500
)

var allEntityTypes = []model.EntityType{
	model.EntityTechnology, model.EntityConcept, model.EntityPattern,
	model.EntitySystem, model.EntityPerson, model.EntityOrganization,
	model.EntityFile,
}

// Validate sweeps the user's graph for structural problems: cycles,
// orphan entities, low-confidence edges, self-referential edges, edges
// whose type does not fit their endpoints, likely duplicate entities,
// and nodes missing embeddings.
func (a *Analyzer) Validate(ctx context.Context, userID string) ([]model.ValidationIssue, error) {
	issues, err := a.DetectCycles(ctx, userID)
	if err != nil {
		return nil, err
	}

	orphans, err := a.db.OrphanEntities(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, e := range orphans {
		issues = append(issues, model.ValidationIssue{
			Type:          model.IssueOrphanEntity,
			Severity:      model.SeverityWarning,
			Message:       fmt.Sprintf("entity %q (%s) has no live edges", e.Name, e.Type),
			AffectedNodes: []string{e.Name},
		})
	}

	low, err := a.db.LowConfidenceEdges(ctx, userID, lowConfidenceEdgeThreshold)
	if err != nil {
		return nil, err
	}
	for _, e := range low {
		issues = append(issues, model.ValidationIssue{
			Type:          model.IssueLowConfidenceEdge,
			Severity:      model.SeverityWarning,
			Message:       fmt.Sprintf("%s edge %s has confidence %.2f", e.Type, e.ID, *e.Confidence),
			AffectedNodes: []string{e.SourceID.String(), e.TargetID.String()},
			Relationship:  e.Type,
		})
	}

	selfEdges, err := a.db.SelfReferentialEdges(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range selfEdges {
		issues = append(issues, model.ValidationIssue{
			Type:          model.IssueSelfReference,
			Severity:      model.SeverityError,
			Message:       fmt.Sprintf("%s edge %s points at its own source", e.Type, e.ID),
			AffectedNodes: []string{e.SourceID.String()},
			Relationship:  e.Type,
		})
	}

	mistyped, err := a.db.MistypedEdges(ctx, edgeTypeStrings(model.EntityEdgeTypes()), decisionEdgeTypeStrings())
	if err != nil {
		return nil, err
	}
	for _, e := range mistyped {
		issues = append(issues, model.ValidationIssue{
			Type:          model.IssueMistypedEdge,
			Severity:      model.SeverityError,
			Message:       fmt.Sprintf("%s edge %s connects %s to %s", e.Type, e.ID, e.SourceKind, e.TargetKind),
			AffectedNodes: []string{e.SourceID.String(), e.TargetID.String()},
			Relationship:  e.Type,
		})
	}

	dupes, err := a.duplicateEntities(ctx, userID)
	if err != nil {
		return nil, err
	}
	issues = append(issues, dupes...)

	missingDecisions, missingEntities, err := a.db.NodesMissingEmbeddings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n := len(missingDecisions) + len(missingEntities); n > 0 {
		issues = append(issues, model.ValidationIssue{
			Type:     model.IssueMissingEmbedding,
			Severity: model.SeverityInfo,
			Message:  fmt.Sprintf("%d decisions and %d entities lack embeddings and are invisible to semantic search", len(missingDecisions), len(missingEntities)),
		})
	}
	return issues, nil
}

// duplicateEntities reports same-type entity pairs whose token ratio is
// in the merge band (>= 0.85 but not an exact match). Reporting only;
// the resolver's MergeDuplicates performs the actual fold.
func (a *Analyzer) duplicateEntities(ctx context.Context, userID string) ([]model.ValidationIssue, error) {
	var issues []model.ValidationIssue
	for _, typ := range allEntityTypes {
		var entities []model.Entity
		for offset := 0; offset < duplicateCandidateCap; offset += duplicatePageSize {
			page, err := a.db.ListEntitiesPage(ctx, userID, typ, duplicatePageSize, offset)
			if err != nil {
				return nil, err
			}
			entities = append(entities, page...)
			if len(page) < duplicatePageSize {
				break
			}
		}
		for i := range entities {
			for j := i + 1; j < len(entities); j++ {
				ratio := resolve.TokenRatio(entities[i].Name, entities[j].Name)
				if ratio >= duplicateRatioThreshold && ratio < 1.0 {
					issues = append(issues, model.ValidationIssue{
						Type:          model.IssueDuplicateEntity,
						Severity:      model.SeverityWarning,
						Message:       fmt.Sprintf("entities %q and %q (%s) look like duplicates (ratio %.2f)", entities[i].Name, entities[j].Name, typ, ratio),
						AffectedNodes: []string{entities[i].Name, entities[j].Name},
					})
				}
			}
		}
	}
	return issues, nil
}

func edgeTypeStrings(types []model.EdgeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func decisionEdgeTypeStrings() []string {
	types := []model.EdgeType{
		model.EdgeInvolves, model.EdgeSimilarTo, model.EdgeInfluencedBy,
		model.EdgeSupersedes, model.EdgeContradicts, model.EdgeFollows,
		model.EdgePrecedes, model.EdgeAffects, model.EdgeRejectedBy,
	}
	return edgeTypeStrings(types)
}
