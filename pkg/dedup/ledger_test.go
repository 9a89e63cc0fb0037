package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ReserveOnceOnly(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	fresh, err := l.Reserve(ctx, "delivery-1", now)
	require.NoError(t, err)
	assert.True(t, fresh)

	dup, err := l.Reserve(ctx, "delivery-1", now)
	require.NoError(t, err)
	assert.False(t, dup)

	other, err := l.Reserve(ctx, "delivery-2", now)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryLedger_ConcurrentReserveSingleWinner(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := l.Reserve(ctx, "contested", now)
			require.NoError(t, err)
			wins <- fresh
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for fresh := range wins {
		if fresh {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestMemoryLedger_ReleaseReopensID(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	fresh, err := l.Reserve(ctx, "delivery-1", now)
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, l.Release(ctx, "delivery-1"))

	again, err := l.Reserve(ctx, "delivery-1", now)
	require.NoError(t, err)
	assert.True(t, again, "released ID is reservable again")

	// Releasing an unknown ID is a no-op.
	assert.NoError(t, l.Release(ctx, "never-seen"))
}

func TestMemoryLedger_Prune(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for _, entry := range []struct {
		id  string
		age time.Duration
	}{
		{"old-1", -20 * 24 * time.Hour},
		{"old-2", -16 * 24 * time.Hour},
		{"recent", -time.Hour},
	} {
		_, err := l.Reserve(ctx, entry.id, base.Add(entry.age))
		require.NoError(t, err)
	}

	removed, err := l.Prune(ctx, base.Add(-RetentionDefault))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	assert.Equal(t, 1, l.Len())

	// A pruned ID may be reserved again.
	fresh, err := l.Reserve(ctx, "old-1", base)
	require.NoError(t, err)
	assert.True(t, fresh)
}
