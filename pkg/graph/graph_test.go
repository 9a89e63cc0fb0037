package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var updated = time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

func node(ntype, key string) Node {
	return Node{Ref: NodeRef{Type: ntype, Key: key}, UpdatedAt: updated}
}

func edge(srcType, srcKey, rel, dstType, dstKey string) Edge {
	return Edge{
		Src:       NodeRef{Type: srcType, Key: srcKey},
		Rel:       rel,
		Dst:       NodeRef{Type: dstType, Key: dstKey},
		UpdatedAt: updated,
	}
}

// seedPRGraph builds: pr#7 touches a.go and b.go, authored by octocat,
// both files owned by team-core, a.go also touched by pr#8.
func seedPRGraph(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for _, n := range []Node{
		node(NodePR, "acme/demo#7"),
		node(NodePR, "acme/demo#8"),
		node(NodeFile, "a.go"),
		node(NodeFile, "b.go"),
		node(NodeActor, "octocat"),
		node(NodeOwner, "team-core"),
	} {
		require.NoError(t, s.UpsertNode(ctx, n))
	}
	for _, e := range []Edge{
		edge(NodePR, "acme/demo#7", RelTouches, NodeFile, "a.go"),
		edge(NodePR, "acme/demo#7", RelTouches, NodeFile, "b.go"),
		edge(NodeActor, "octocat", RelAuthored, NodePR, "acme/demo#7"),
		edge(NodePR, "acme/demo#8", RelTouches, NodeFile, "a.go"),
		edge(NodeOwner, "team-core", RelOwns, NodeFile, "a.go"),
		edge(NodeOwner, "team-core", RelOwns, NodeFile, "b.go"),
	} {
		require.NoError(t, s.UpsertEdge(ctx, e))
	}
}

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n := node(NodePR, "acme/demo#7")
	n.Props = map[string]any{"title": "feat: widget"}
	require.NoError(t, s.UpsertNode(ctx, n))
	require.NoError(t, s.UpsertNode(ctx, n))

	got, err := s.GetNode(ctx, n.Ref)
	require.NoError(t, err)
	assert.Equal(t, "feat: widget", got.Props["title"])

	// Re-upserting with new props replaces them.
	n.Props = map[string]any{"title": "feat: widget v2"}
	require.NoError(t, s.UpsertNode(ctx, n))
	got, err = s.GetNode(ctx, n.Ref)
	require.NoError(t, err)
	assert.Equal(t, "feat: widget v2", got.Props["title"])

	e := edge(NodePR, "acme/demo#7", RelTouches, NodeFile, "a.go")
	require.NoError(t, s.UpsertEdge(ctx, e))
	require.NoError(t, s.UpsertEdge(ctx, e))
	edges, err := s.IncidentEdges(ctx, n.Ref)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestMemoryStore_GetNodeNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetNode(context.Background(), NodeRef{Type: NodePR, Key: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteCascade(t *testing.T) {
	s := NewMemoryStore()
	seedPRGraph(t, s)
	ctx := context.Background()

	require.NoError(t, s.DeleteCascade(ctx, NodeRef{Type: NodeFile, Key: "a.go"}))

	_, err := s.GetNode(ctx, NodeRef{Type: NodeFile, Key: "a.go"})
	assert.ErrorIs(t, err, ErrNotFound)

	// Every edge into or out of a.go is gone; b.go's edges survive.
	edges, err := s.IncidentEdges(ctx, NodeRef{Type: NodePR, Key: "acme/demo#7"})
	require.NoError(t, err)
	for _, e := range edges {
		assert.NotEqual(t, "a.go", e.Dst.Key)
	}
	owned, err := s.EdgesByRel(ctx, RelOwns)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "b.go", owned[0].Dst.Key)
}

func TestNeighborhood_DepthBounded(t *testing.T) {
	s := NewMemoryStore()
	seedPRGraph(t, s)
	start := NodeRef{Type: NodePR, Key: "acme/demo#7"}

	one, err := Neighborhood(context.Background(), s, start, 1, 100)
	require.NoError(t, err)
	// Depth 1: the PR, its two files, and its author.
	assert.Len(t, one.Nodes, 4)
	assert.False(t, one.Truncated)

	two, err := Neighborhood(context.Background(), s, start, 2, 100)
	require.NoError(t, err)
	// Depth 2 adds the owner and the sibling PR through a.go.
	assert.Len(t, two.Nodes, 6)
}

func TestNeighborhood_Deterministic(t *testing.T) {
	s := NewMemoryStore()
	seedPRGraph(t, s)
	start := NodeRef{Type: NodePR, Key: "acme/demo#7"}

	a, err := Neighborhood(context.Background(), s, start, 2, 100)
	require.NoError(t, err)
	b, err := Neighborhood(context.Background(), s, start, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, a.Nodes, b.Nodes)
	assert.Equal(t, a.Edges, b.Edges)
}

func TestNeighborhood_NodeCapTruncates(t *testing.T) {
	s := NewMemoryStore()
	seedPRGraph(t, s)
	start := NodeRef{Type: NodePR, Key: "acme/demo#7"}

	sub, err := Neighborhood(context.Background(), s, start, 2, 3)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 3)
	assert.True(t, sub.Truncated)

	// Truncation is deterministic too.
	again, err := Neighborhood(context.Background(), s, start, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, sub.Nodes, again.Nodes)
}

func TestNeighborhood_MissingRoot(t *testing.T) {
	s := NewMemoryStore()
	_, err := Neighborhood(context.Background(), s, NodeRef{Type: NodePR, Key: "nope"}, 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}
