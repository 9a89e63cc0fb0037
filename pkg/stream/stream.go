// Package stream provides the durable at-least-once event bus between
// the ingress gateway and the workflow engine. Subjects follow the
// gh.<kind>.<action> scheme; failed deliveries are redelivered on a
// backoff schedule and parked on a gh.dlq.* subject once the delivery
// budget is exhausted.
package stream

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Group is the consumer group all workflow workers join. Every message
// is delivered to exactly one consumer in the group at a time.
const Group = "CODEX"

// DefaultBackoff is the redelivery schedule: attempt n waits
// DefaultBackoff[n-1] after the previous failure.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	20 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// DefaultMaxDeliveries is the delivery budget before a message is
// parked on its DLQ subject.
const DefaultMaxDeliveries = 5

// ErrTerminal marks a handler failure that retrying cannot fix. The
// message goes straight to the DLQ instead of burning the budget.
var ErrTerminal = errors.New("stream: terminal handler failure")

// Message is one delivery to a handler.
type Message struct {
	// ID is the backend's entry ID, unique per subject.
	ID      string
	Subject string
	Data    []byte
	Headers map[string]string
	// Delivery is the 1-based delivery attempt.
	Delivery int
}

// Handler processes one message. A nil return acknowledges it; an
// error leaves it pending for redelivery; ErrTerminal parks it.
type Handler func(ctx context.Context, msg Message) error

// Stream is the bus interface. Both backends (Redis Streams and the
// in-process bus) provide the same redelivery and DLQ semantics.
type Stream interface {
	// Publish appends a message to subject and returns its entry ID.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (string, error)
	// Subscribe joins the consumer group on the given subjects and runs
	// handler until ctx is cancelled.
	Subscribe(ctx context.Context, consumer string, subjects []string, handler Handler) error
	// Pending reports messages delivered but not yet acknowledged.
	Pending(ctx context.Context, subject string) (int64, error)
	// Replay re-reads the subject's log from the given entry ID
	// (inclusive; "" starts at the beginning), outside the consumer
	// group and without acking, and stops at the current end. The first
	// handler error aborts the replay.
	Replay(ctx context.Context, subject, fromID string, handler Handler) error
	// Trim applies the retention policy (MaxLen, MaxAge) to the
	// subject's log and reports how many entries were dropped.
	Trim(ctx context.Context, subject string) (int64, error)
	Close() error
}

// Options tune redelivery and retention. Zero values take the defaults
// above; zero MaxLen and MaxAge disable trimming.
type Options struct {
	Backoff       []time.Duration
	MaxDeliveries int
	// BlockInterval bounds a single blocking read.
	BlockInterval time.Duration
	// ClaimInterval is how often pending entries are scanned for
	// redelivery.
	ClaimInterval time.Duration
	// MaxLen caps entries per subject; Trim drops the oldest beyond it.
	MaxLen int64
	// MaxAge caps entry age per subject.
	MaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = DefaultMaxDeliveries
	}
	if o.BlockInterval <= 0 {
		o.BlockInterval = 5 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = time.Second
	}
	return o
}

// backoffFor returns the idle time required before delivery attempt
// n+1, given n failed deliveries so far.
func (o Options) backoffFor(failed int) time.Duration {
	if failed <= 0 {
		return o.Backoff[0]
	}
	if failed > len(o.Backoff) {
		failed = len(o.Backoff)
	}
	return o.Backoff[failed-1]
}

// DLQSubject maps a subject to its dead-letter subject.
func DLQSubject(subject string) string {
	return "gh.dlq." + strings.TrimPrefix(subject, "gh.")
}

// IsDLQ reports whether subject is a dead-letter subject.
func IsDLQ(subject string) bool {
	return strings.HasPrefix(subject, "gh.dlq.")
}
