package owners

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitguard-io/gitguard/pkg/graph"
)

const rulesYAML = `
default_owners: [team-core]
rules:
  - pattern: "docs/**"
    owners: [team-docs]
  - pattern: "pkg/api/**"
    owners: [team-api]
  - pattern: "pkg/api/auth/**"
    owners: [team-security, team-api]
  - pattern: "**/*_test.go"
    owners: [team-qa]
`

func loadIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Parse([]byte(rulesYAML))
	require.NoError(t, err)
	return ix
}

func TestResolve_LongestPatternWins(t *testing.T) {
	ix := loadIndex(t)

	tests := []struct {
		path string
		want []string
	}{
		{"docs/guide.md", []string{"team-docs"}},
		{"pkg/api/server.go", []string{"team-api"}},
		{"pkg/api/auth/token.go", []string{"team-api", "team-security"}},
		// Both the auth and the test patterns match; the longer auth
		// pattern is more specific and wins regardless of rule order.
		{"pkg/api/auth/token_test.go", []string{"team-api", "team-security"}},
		{"cmd/main_test.go", []string{"team-qa"}},
		{"cmd/main.go", []string{"team-core"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ix.Resolve(tt.path))
		})
	}
}

func TestParse_RejectsBadRules(t *testing.T) {
	_, err := Parse([]byte(`rules: [{pattern: "", owners: [x]}]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`rules: [{pattern: "a/**"}]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{not yaml`))
	assert.Error(t, err)
}

func TestResolveAll_InvertsToOwnerView(t *testing.T) {
	ix := loadIndex(t)
	byOwner := ix.ResolveAll([]string{"docs/b.md", "docs/a.md", "pkg/api/server.go"})

	assert.Equal(t, []string{"docs/a.md", "docs/b.md"}, byOwner["team-docs"])
	assert.Equal(t, []string{"pkg/api/server.go"}, byOwner["team-api"])
	assert.NotContains(t, byOwner, "team-core")
}

func TestRecompute_UpsertsAndPrunesEdges(t *testing.T) {
	ix := loadIndex(t)
	store := graph.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	for _, f := range []string{"docs/guide.md", "pkg/api/server.go"} {
		require.NoError(t, store.UpsertNode(ctx, graph.Node{
			Ref:       graph.NodeRef{Type: graph.NodeFile, Key: f},
			UpdatedAt: now,
		}))
	}
	// A stale edge from an earlier rule set.
	stale := graph.Edge{
		Src:       graph.NodeRef{Type: graph.NodeOwner, Key: "team-legacy"},
		Rel:       graph.RelOwns,
		Dst:       graph.NodeRef{Type: graph.NodeFile, Key: "docs/guide.md"},
		UpdatedAt: now,
	}
	require.NoError(t, store.UpsertEdge(ctx, stale))

	byOwner, err := Recompute(ctx, store, ix, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/guide.md"}, byOwner["team-docs"])
	assert.Equal(t, []string{"pkg/api/server.go"}, byOwner["team-api"])

	edges, err := store.EdgesByRel(ctx, graph.RelOwns)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.NotEqual(t, "team-legacy", e.Src.Key, "stale edge must be pruned")
	}

	// Owner nodes exist for the portal to link to.
	_, err = store.GetNode(ctx, graph.NodeRef{Type: graph.NodeOwner, Key: "team-docs"})
	assert.NoError(t, err)
}

func TestRecompute_Converges(t *testing.T) {
	ix := loadIndex(t)
	store := graph.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertNode(ctx, graph.Node{
		Ref:       graph.NodeRef{Type: graph.NodeFile, Key: "docs/guide.md"},
		UpdatedAt: now,
	}))

	first, err := Recompute(ctx, store, ix, now)
	require.NoError(t, err)
	second, err := Recompute(ctx, store, ix, now)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	edges, err := store.EdgesByRel(ctx, graph.RelOwns)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}
