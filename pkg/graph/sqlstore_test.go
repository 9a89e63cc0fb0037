package graph

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLiteStore(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := openSQLite(t)
	seedPRGraph(t, s)
	ctx := context.Background()

	got, err := s.GetNode(ctx, NodeRef{Type: NodePR, Key: "acme/demo#7"})
	require.NoError(t, err)
	assert.Equal(t, "acme/demo#7", got.Ref.Key)

	edges, err := s.IncidentEdges(ctx, NodeRef{Type: NodeFile, Key: "a.go"})
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	owned, err := s.EdgesByRel(ctx, RelOwns)
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	files, err := s.NodesByType(ctx, NodeFile)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.go", files[0].Ref.Key, "ordered by key")
}

func TestSQLiteStore_UpsertReplacesProps(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	n := node(NodePR, "acme/demo#7")
	n.Props = map[string]any{"title": "v1"}
	require.NoError(t, s.UpsertNode(ctx, n))
	n.Props = map[string]any{"title": "v2"}
	require.NoError(t, s.UpsertNode(ctx, n))

	got, err := s.GetNode(ctx, n.Ref)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Props["title"])
}

func TestSQLiteStore_DeleteCascade(t *testing.T) {
	s := openSQLite(t)
	seedPRGraph(t, s)
	ctx := context.Background()

	require.NoError(t, s.DeleteCascade(ctx, NodeRef{Type: NodeFile, Key: "a.go"}))

	_, err := s.GetNode(ctx, NodeRef{Type: NodeFile, Key: "a.go"})
	assert.ErrorIs(t, err, ErrNotFound)

	edges, err := s.IncidentEdges(ctx, NodeRef{Type: NodeFile, Key: "a.go"})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestSQLiteStore_Neighborhood(t *testing.T) {
	s := openSQLite(t)
	seedPRGraph(t, s)

	sub, err := Neighborhood(context.Background(), s, NodeRef{Type: NodePR, Key: "acme/demo#7"}, 2, 100)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 6)

	mem := NewMemoryStore()
	seedPRGraph(t, mem)
	fromMem, err := Neighborhood(context.Background(), mem, NodeRef{Type: NodePR, Key: "acme/demo#7"}, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, refsOf(fromMem), refsOf(sub), "backends agree on traversal")
}

func refsOf(sub Subgraph) []NodeRef {
	refs := make([]NodeRef, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		refs = append(refs, n.Ref)
	}
	return refs
}

func TestPostgresStore_RebindsPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(NodePR, "acme/demo#7", []byte(`{"title":"x"}`), updated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	n := node(NodePR, "acme/demo#7")
	n.Props = map[string]any{"title": "x"}
	require.NoError(t, s.UpsertNode(context.Background(), n))
	assert.NoError(t, mock.ExpectationsWereMet())
}
