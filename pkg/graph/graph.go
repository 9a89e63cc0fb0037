// Package graph maintains the repository knowledge graph: pull requests,
// files, owners, releases, and the relationships between them. Nodes and
// edges are upserted idempotently keyed on identity, so replaying an
// event converges to the same graph.
package graph

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Node types.
const (
	NodePR      = "pr"
	NodeFile    = "file"
	NodeOwner   = "owner"
	NodeActor   = "actor"
	NodeRelease = "release"
	NodeRepo    = "repo"
	NodePolicy  = "policy"
)

// Edge relationships.
const (
	RelTouches    = "touches"     // pr -> file
	RelAuthored   = "authored"    // actor -> pr
	RelOwns       = "owns"        // owner -> file
	RelIncludes   = "includes"    // release -> pr
	RelInRepo     = "in_repo"     // pr|release -> repo
	RelGovernedBy = "governed_by" // pr|release -> policy
)

var ErrNotFound = errors.New("graph: node not found")

// NodeRef identifies a node by type and key.
type NodeRef struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func (r NodeRef) Less(other NodeRef) bool {
	if r.Type != other.Type {
		return r.Type < other.Type
	}
	return r.Key < other.Key
}

// Node is a graph vertex with free-form properties.
type Node struct {
	Ref       NodeRef        `json:"ref"`
	Props     map[string]any `json:"props,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Edge is a directed, labeled relationship between two nodes.
type Edge struct {
	Src       NodeRef        `json:"src"`
	Rel       string         `json:"rel"`
	Dst       NodeRef        `json:"dst"`
	Props     map[string]any `json:"props,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the knowledge graph persistence interface. Upserts are
// idempotent on node identity (type, key) and edge identity
// (src, rel, dst); replays converge.
type Store interface {
	UpsertNode(ctx context.Context, n Node) error
	UpsertEdge(ctx context.Context, e Edge) error
	GetNode(ctx context.Context, ref NodeRef) (Node, error)
	// IncidentEdges returns all edges touching ref in either direction,
	// ordered by (src, rel, dst).
	IncidentEdges(ctx context.Context, ref NodeRef) ([]Edge, error)
	EdgesByRel(ctx context.Context, rel string) ([]Edge, error)
	NodesByType(ctx context.Context, ntype string) ([]Node, error)
	// DeleteEdge removes one edge by identity; missing edges are a no-op.
	DeleteEdge(ctx context.Context, e Edge) error
	// DeleteCascade removes the node and every incident edge atomically.
	DeleteCascade(ctx context.Context, ref NodeRef) error
}

// Subgraph is the result of a bounded traversal.
type Subgraph struct {
	Root  NodeRef `json:"root"`
	Nodes []Node  `json:"nodes"`
	Edges []Edge  `json:"edges"`
	// Truncated is set when the node cap stopped the walk early.
	Truncated bool `json:"truncated,omitempty"`
}

// Neighborhood walks the graph breadth-first from start, following edges
// in both directions, up to depth hops and maxNodes nodes. Expansion is
// deterministic: each frontier is processed in (type, key) order, so the
// same graph always yields the same subgraph and the same truncation.
func Neighborhood(ctx context.Context, s Store, start NodeRef, depth, maxNodes int) (Subgraph, error) {
	sub := Subgraph{Root: start}
	root, err := s.GetNode(ctx, start)
	if err != nil {
		return sub, err
	}
	if maxNodes <= 0 {
		maxNodes = 1
	}

	visited := map[NodeRef]bool{start: true}
	sub.Nodes = append(sub.Nodes, root)
	frontier := []NodeRef{start}
	edgeSeen := map[string]bool{}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []NodeRef
		for _, ref := range frontier {
			edges, err := s.IncidentEdges(ctx, ref)
			if err != nil {
				return sub, err
			}
			for _, e := range edges {
				id := edgeID(e)
				if edgeSeen[id] {
					continue
				}

				neighbor := e.Dst
				if neighbor == ref {
					neighbor = e.Src
				}
				if !visited[neighbor] {
					if len(sub.Nodes) >= maxNodes {
						sub.Truncated = true
						continue
					}
					node, err := s.GetNode(ctx, neighbor)
					if err != nil {
						if errors.Is(err, ErrNotFound) {
							continue // dangling edge
						}
						return sub, err
					}
					visited[neighbor] = true
					sub.Nodes = append(sub.Nodes, node)
					next = append(next, neighbor)
				}
				edgeSeen[id] = true
				sub.Edges = append(sub.Edges, e)
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].Less(next[j]) })
		frontier = next
	}

	sortEdges(sub.Edges)
	return sub, nil
}

func edgeID(e Edge) string {
	return e.Src.Type + "\x00" + e.Src.Key + "\x00" + e.Rel + "\x00" + e.Dst.Type + "\x00" + e.Dst.Key
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Src != edges[j].Src {
			return edges[i].Src.Less(edges[j].Src)
		}
		if edges[i].Rel != edges[j].Rel {
			return edges[i].Rel < edges[j].Rel
		}
		return edges[i].Dst.Less(edges[j].Dst)
	})
}
