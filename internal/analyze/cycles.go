package analyze

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/model"
)

// DetectCycles finds circular chains in the user's entity graph for
// every cycle-sensitive relationship type.
func (a *Analyzer) DetectCycles(ctx context.Context, userID string) ([]model.ValidationIssue, error) {
	types := model.CycleSensitiveEdgeTypes()
	edges, err := a.db.LiveEntityEdges(ctx, userID, types)
	if err != nil {
		return nil, err
	}
	names, err := a.db.EntityNames(ctx, userID)
	if err != nil {
		return nil, err
	}

	var issues []model.ValidationIssue
	for _, rel := range types {
		for _, cycle := range cyclesForType(edges, rel, a.cfg.CycleMaxDepth, a.cfg.MaxCyclesPerType) {
			nodeNames := make([]string, len(cycle))
			for i, id := range cycle {
				if name, ok := names[id]; ok {
					nodeNames[i] = name
				} else {
					nodeNames[i] = id.String()
				}
			}
			issues = append(issues, model.ValidationIssue{
				Type:          model.IssueCircularDependency,
				Severity:      cycleSeverity(rel),
				Message:       fmt.Sprintf("%s cycle of length %d: %s", rel, len(cycle), strings.Join(nodeNames, " -> ")),
				AffectedNodes: nodeNames,
				Relationship:  rel,
				CycleLength:   len(cycle),
			})
		}
	}
	return issues, nil
}

func cycleSeverity(rel model.EdgeType) model.IssueSeverity {
	if rel == model.EdgeRelatedTo {
		return model.SeverityWarning
	}
	return model.SeverityError
}

// cyclesForType traverses paths of length 2..maxDepth from each node
// back to itself over edges of one relationship type. Cycles are
// deduplicated by node set (A->B->A and B->A->B are the same cycle) and
// capped at maxCycles.
func cyclesForType(edges []model.Edge, rel model.EdgeType, maxDepth, maxCycles int) [][]uuid.UUID {
	adj := map[uuid.UUID][]uuid.UUID{}
	for _, e := range edges {
		if e.Type == rel {
			adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)
		}
	}
	starts := make([]uuid.UUID, 0, len(adj))
	for id := range adj {
		starts = append(starts, id)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].String() < starts[j].String() })

	seen := map[string]bool{}
	var cycles [][]uuid.UUID

	for _, start := range starts {
		if len(cycles) >= maxCycles {
			break
		}
		path := []uuid.UUID{start}
		onPath := map[uuid.UUID]bool{start: true}

		var dfs func(cur uuid.UUID, depth int)
		dfs = func(cur uuid.UUID, depth int) {
			if len(cycles) >= maxCycles {
				return
			}
			for _, next := range adj[cur] {
				if next == start && depth >= 2 {
					key := nodeSetKey(path)
					if !seen[key] {
						seen[key] = true
						cycles = append(cycles, append([]uuid.UUID(nil), path...))
					}
					continue
				}
				if depth >= maxDepth || onPath[next] {
					continue
				}
				onPath[next] = true
				path = append(path, next)
				dfs(next, depth+1)
				path = path[:len(path)-1]
				delete(onPath, next)
			}
		}
		dfs(start, 1)
	}
	return cycles
}

func nodeSetKey(nodes []uuid.UUID) string {
	strs := make([]string, len(nodes))
	for i, id := range nodes {
		strs[i] = id.String()
	}
	sort.Strings(strs)
	return strings.Join(strs, ",")
}
