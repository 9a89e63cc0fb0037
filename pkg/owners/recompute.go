package owners

import (
	"context"
	"fmt"
	"time"

	"github.com/gitguard-io/gitguard/pkg/graph"
)

// Recompute reconciles the graph's owns edges against the rule index:
// every resolved owner gets an edge to the file, owner nodes are created
// as needed, and edges from owners a file no longer resolves to are
// removed. It returns the owner -> files view for the portal.
func Recompute(ctx context.Context, store graph.Store, ix *Index, now time.Time) (map[string][]string, error) {
	files, err := store.NodesByType(ctx, graph.NodeFile)
	if err != nil {
		return nil, fmt.Errorf("owners: list files: %w", err)
	}

	existing, err := store.EdgesByRel(ctx, graph.RelOwns)
	if err != nil {
		return nil, fmt.Errorf("owners: list ownership edges: %w", err)
	}
	currentOwners := map[string]map[string]graph.Edge{}
	for _, e := range existing {
		if currentOwners[e.Dst.Key] == nil {
			currentOwners[e.Dst.Key] = map[string]graph.Edge{}
		}
		currentOwners[e.Dst.Key][e.Src.Key] = e
	}

	byOwner := map[string][]string{}
	seenOwnerNodes := map[string]bool{}

	for _, file := range files {
		resolved := ix.Resolve(file.Ref.Key)
		want := map[string]bool{}
		for _, owner := range resolved {
			want[owner] = true
			byOwner[owner] = append(byOwner[owner], file.Ref.Key)

			if !seenOwnerNodes[owner] {
				seenOwnerNodes[owner] = true
				node := graph.Node{
					Ref:       graph.NodeRef{Type: graph.NodeOwner, Key: owner},
					UpdatedAt: now,
				}
				if err := store.UpsertNode(ctx, node); err != nil {
					return nil, fmt.Errorf("owners: upsert owner %s: %w", owner, err)
				}
			}
			edge := graph.Edge{
				Src:       graph.NodeRef{Type: graph.NodeOwner, Key: owner},
				Rel:       graph.RelOwns,
				Dst:       file.Ref,
				UpdatedAt: now,
			}
			if err := store.UpsertEdge(ctx, edge); err != nil {
				return nil, fmt.Errorf("owners: upsert edge %s->%s: %w", owner, file.Ref.Key, err)
			}
		}

		for owner, stale := range currentOwners[file.Ref.Key] {
			if !want[owner] {
				if err := store.DeleteEdge(ctx, stale); err != nil {
					return nil, fmt.Errorf("owners: drop stale edge %s->%s: %w", owner, file.Ref.Key, err)
				}
			}
		}
	}

	return byOwner, nil
}
