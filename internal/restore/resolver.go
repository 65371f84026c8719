package restore

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// DependencyAction decides what happens to restored relationships that
// point at concepts outside the restored scope.
type DependencyAction string

const (
	// DepsPrune drops the edge.
	DepsPrune DependencyAction = "prune"
	// DepsStitch relinks the edge to an existing concept with the same ID
	// or equivalence key, and prunes it when none exists.
	DepsStitch DependencyAction = "stitch"
	// DepsDefer keeps the edge marked unresolved until its target appears.
	DepsDefer DependencyAction = "defer"
)

// ParseDependencyAction validates a user-supplied action. Empty means prune.
func ParseDependencyAction(s string) (DependencyAction, error) {
	switch a := DependencyAction(strings.ToLower(s)); a {
	case "":
		return DepsPrune, nil
	case DepsPrune, DepsStitch, DepsDefer:
		return a, nil
	}
	return "", fmt.Errorf("unknown dependency action %q (expected prune, stitch or defer)", s)
}

// DependencyReport counts what the resolver did.
type DependencyReport struct {
	Pruned   int `json:"pruned"`
	Stitched int `json:"stitched"`
	Deferred int `json:"deferred"`
}

// Resolver applies a DependencyAction to relationships being restored.
type Resolver struct {
	graph  graph.Store
	action DependencyAction
}

// NewResolver creates a resolver that looks up existing concepts in g.
func NewResolver(g graph.Store, action DependencyAction) *Resolver {
	return &Resolver{graph: g, action: action}
}

// Resolve returns the relationships to write. local holds the concept IDs
// being restored; refs describes external endpoints recorded in the backup.
func (r *Resolver) Resolve(ctx context.Context, rels []models.Relationship, local map[string]bool, refs func(string) (models.ConceptRef, bool)) ([]models.Relationship, DependencyReport, error) {
	var (
		out    = make([]models.Relationship, 0, len(rels))
		report DependencyReport
	)
	for _, rel := range rels {
		if local[rel.FromID] && local[rel.ToID] {
			out = append(out, rel)
			continue
		}
		if r.action == DepsPrune {
			report.Pruned++
			continue
		}

		keep := true
		unresolved := false
		stitched := false
		for _, end := range []*string{&rel.FromID, &rel.ToID} {
			if local[*end] {
				continue
			}
			ref, _ := refs(*end)
			switch r.action {
			case DepsStitch:
				match, err := r.graph.FindConcept(ctx, *end, ref.EquivalenceKey)
				if err != nil {
					return nil, report, fmt.Errorf("match concept %s: %w", *end, err)
				}
				if match == nil {
					keep = false
					break
				}
				*end = match.ID
				stitched = true
			case DepsDefer:
				match, err := r.graph.FindConcept(ctx, *end, "")
				if err != nil {
					return nil, report, fmt.Errorf("look up concept %s: %w", *end, err)
				}
				if match == nil {
					unresolved = true
				}
			}
			if !keep {
				break
			}
		}

		switch {
		case !keep:
			report.Pruned++
		case unresolved:
			rel.Unresolved = true
			report.Deferred++
			out = append(out, rel)
		default:
			rel.Unresolved = false
			if stitched {
				report.Stitched++
			}
			out = append(out, rel)
		}
	}
	return out, report, nil
}
