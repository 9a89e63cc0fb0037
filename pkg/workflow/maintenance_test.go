package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitguard-io/gitguard/pkg/dedup"
	"github.com/gitguard-io/gitguard/pkg/graph"
	"github.com/gitguard-io/gitguard/pkg/policy"
	"github.com/gitguard-io/gitguard/pkg/portal"
	"github.com/gitguard-io/gitguard/pkg/stream"
)

func TestSweep_RemovesExpiredState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	ledger := dedup.NewMemoryLedger()
	won, err := ledger.Reserve(ctx, "d-old", now.Add(-20*24*time.Hour))
	require.NoError(t, err)
	require.True(t, won)
	_, err = ledger.Reserve(ctx, "d-new", now.Add(-time.Hour))
	require.NoError(t, err)

	cps := NewMemoryCheckpoints()
	require.NoError(t, cps.Save(ctx, Checkpoint{Key: "acme/demo#1", Stage: ActivityPublish, SavedAt: now.Add(-45 * 24 * time.Hour)}))
	require.NoError(t, cps.Save(ctx, Checkpoint{Key: "acme/demo#2", Stage: ActivityPublish, SavedAt: now.Add(-time.Hour)}))

	bus := stream.NewMemoryStream(stream.Options{MaxLen: 1}, nil)
	for _, body := range []string{"a", "b", "c"} {
		_, err := bus.Publish(ctx, "gh.pull_request.opened", []byte(body), nil)
		require.NoError(t, err)
	}

	store := graph.NewMemoryStore()
	pr := graph.NodeRef{Type: graph.NodePR, Key: "acme/demo#1"}
	live := graph.NodeRef{Type: graph.NodePolicy, Key: "weekend-freeze"}
	stale := graph.NodeRef{Type: graph.NodePolicy, Key: "retired-rule"}
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: pr, UpdatedAt: now}))
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: live, UpdatedAt: now}))
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: stale, UpdatedAt: now}))
	require.NoError(t, store.UpsertEdge(ctx, graph.Edge{Src: pr, Rel: graph.RelGovernedBy, Dst: stale, UpdatedAt: now}))

	policies, err := policy.NewEngine(nil)
	require.NoError(t, err)
	require.NoError(t, policies.LoadDir("../../policies"))

	sink := portal.NewMemorySink()
	publisher := portal.NewPublisher(sink, nil, nil)
	require.NoError(t, publisher.PublishOwners(ctx, map[string][]string{"team-docs": {"docs/a.md"}}, now.Add(-120*24*time.Hour)))

	eng := NewEngine(Config{}, Deps{
		Stream:      bus,
		Ledger:      ledger,
		Checkpoints: cps,
		Graph:       store,
		Policies:    policies,
		Publisher:   publisher,
		Clock:       func() time.Time { return now },
	})
	eng.Sweep(ctx)

	// Ledger keeps only the fresh delivery.
	assert.Equal(t, 1, ledger.Len())
	dup, err := ledger.Reserve(ctx, "d-new", now)
	require.NoError(t, err)
	assert.False(t, dup)

	// Old checkpoint gone, fresh one kept.
	_, err = cps.Last(ctx, "acme/demo#1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = cps.Last(ctx, "acme/demo#2")
	assert.NoError(t, err)

	// Stream trimmed to the retention cap.
	assert.Equal(t, 1, bus.Depth("gh.pull_request.opened"))

	// The retired rule's node and its governed_by edge are vacuumed;
	// rules still in the bundle stay.
	_, err = store.GetNode(ctx, stale)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	_, err = store.GetNode(ctx, live)
	assert.NoError(t, err)
	edges, err := store.IncidentEdges(ctx, pr)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// The stale portal page is compacted out of the sink.
	_, ok := sink.Page("owners/index.md")
	assert.False(t, ok)
}
