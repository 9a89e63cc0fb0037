// Package dedup persists webhook delivery IDs so redelivered events are
// acknowledged without re-entering the pipeline. Exactly-once effects are
// built on this at-least-once ledger: Reserve is atomic, so two racing
// consumers of the same delivery cannot both win.
package dedup

import (
	"context"
	"sync"
	"time"
)

// RetentionDefault is how long delivery IDs are kept before Prune drops
// them, unless overridden by DEDUP_RETENTION. GitHub redelivers within
// hours; two weeks is generous.
const RetentionDefault = 14 * 24 * time.Hour

// Ledger records webhook delivery IDs.
type Ledger interface {
	// Reserve atomically records the delivery ID. It returns true when
	// the ID was unseen and is now owned by the caller, false when a
	// previous delivery already claimed it.
	Reserve(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error)

	// Release gives a reservation back. Callers that won Reserve but
	// could not hand the delivery off must release it, or host retries
	// would be swallowed as duplicates. Unknown IDs are a no-op.
	Release(ctx context.Context, deliveryID string) error

	// Prune deletes entries received before the cutoff and reports how
	// many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// MemoryLedger is an in-process Ledger for tests and single-node runs.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]time.Time)}
}

func (l *MemoryLedger) Reserve(_ context.Context, deliveryID string, receivedAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[deliveryID]; dup {
		return false, nil
	}
	l.seen[deliveryID] = receivedAt
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, deliveryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, deliveryID)
	return nil
}

func (l *MemoryLedger) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed int64
	for id, at := range l.seen {
		if at.Before(olderThan) {
			delete(l.seen, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of retained delivery IDs.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
