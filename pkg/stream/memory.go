package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryStream is the in-process backend with the same delivery
// contract as RedisStream: at-least-once, backoff redelivery, DLQ after
// the budget. Used in tests and single-binary runs without Redis.
type MemoryStream struct {
	mu       sync.Mutex
	opts     Options
	logger   *slog.Logger
	subjects map[string][]*memEntry
	nextID   int64
	closed   bool
}

type memEntry struct {
	id        string
	data      []byte
	headers   map[string]string
	addedAt   time.Time
	failed    int
	delivered bool
	acked     bool
	inFlight  bool
	notBefore time.Time
}

func NewMemoryStream(opts Options, logger *slog.Logger) *MemoryStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStream{
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "stream"),
		subjects: map[string][]*memEntry{},
	}
}

func (s *MemoryStream) Publish(_ context.Context, subject string, data []byte, headers map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("stream: closed")
	}
	s.nextID++
	h := map[string]string{}
	for k, v := range headers {
		h[k] = v
	}
	entry := &memEntry{
		id:      fmt.Sprintf("%d-0", s.nextID),
		data:    append([]byte(nil), data...),
		headers: h,
		addedAt: time.Now(),
	}
	s.subjects[subject] = append(s.subjects[subject], entry)
	return entry.id, nil
}

// Replay runs handler over the subject's retained log from fromID,
// without touching delivery state.
func (s *MemoryStream) Replay(ctx context.Context, subject, fromID string, handler Handler) error {
	s.mu.Lock()
	entries := append([]*memEntry(nil), s.subjects[subject]...)
	s.mu.Unlock()

	from := entrySeq(fromID)
	for _, entry := range entries {
		if entrySeq(entry.id) < from {
			continue
		}
		msg := Message{
			ID:       entry.id,
			Subject:  subject,
			Data:     entry.data,
			Headers:  entry.headers,
			Delivery: 1,
		}
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Trim drops entries beyond MaxLen or older than MaxAge, acked or not.
func (s *MemoryStream) Trim(_ context.Context, subject string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.subjects[subject]
	var dropped int64

	if s.opts.MaxAge > 0 {
		cutoff := time.Now().Add(-s.opts.MaxAge)
		kept := entries[:0]
		for _, entry := range entries {
			if entry.addedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, entry)
		}
		entries = kept
	}
	if s.opts.MaxLen > 0 && int64(len(entries)) > s.opts.MaxLen {
		over := int64(len(entries)) - s.opts.MaxLen
		dropped += over
		entries = entries[over:]
	}
	s.subjects[subject] = entries
	return dropped, nil
}

// entrySeq parses the numeric prefix of an entry ID; "" maps to the
// beginning of the log.
func entrySeq(id string) int64 {
	if id == "" {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(id, "%d", &n)
	return n
}

func (s *MemoryStream) Subscribe(ctx context.Context, _ string, subjects []string, handler Handler) error {
	tick := time.NewTicker(s.opts.ClaimInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		for _, subject := range subjects {
			s.deliverReady(ctx, subject, handler)
		}
	}
}

func (s *MemoryStream) deliverReady(ctx context.Context, subject string, handler Handler) {
	now := time.Now()
	for {
		entry := s.claimNext(subject, now)
		if entry == nil {
			return
		}

		msg := Message{
			ID:       entry.id,
			Subject:  subject,
			Data:     entry.data,
			Headers:  entry.headers,
			Delivery: entry.failed + 1,
		}
		err := handler(ctx, msg)

		s.mu.Lock()
		entry.inFlight = false
		switch {
		case err == nil:
			entry.acked = true
		case errors.Is(err, ErrTerminal):
			s.parkLocked(subject, entry)
		default:
			entry.failed++
			if entry.failed >= s.opts.MaxDeliveries {
				s.parkLocked(subject, entry)
			} else {
				entry.notBefore = time.Now().Add(s.opts.backoffFor(entry.failed))
			}
		}
		s.mu.Unlock()
	}
}

// claimNext picks the oldest ready entry and marks it in flight.
func (s *MemoryStream) claimNext(subject string, now time.Time) *memEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.subjects[subject] {
		if entry.acked || entry.inFlight || now.Before(entry.notBefore) {
			continue
		}
		entry.inFlight = true
		entry.delivered = true
		return entry
	}
	return nil
}

func (s *MemoryStream) parkLocked(subject string, entry *memEntry) {
	entry.acked = true
	s.nextID++
	h := map[string]string{}
	for k, v := range entry.headers {
		h[k] = v
	}
	h["dlq-source"] = subject
	h["dlq-entry"] = entry.id
	s.subjects[DLQSubject(subject)] = append(s.subjects[DLQSubject(subject)], &memEntry{
		id:      fmt.Sprintf("%d-0", s.nextID),
		data:    entry.data,
		headers: h,
	})
	s.logger.Warn("message parked on dlq", "subject", subject, "id", entry.id)
}

func (s *MemoryStream) Pending(_ context.Context, subject string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, entry := range s.subjects[subject] {
		if entry.delivered && !entry.acked {
			n++
		}
	}
	return n, nil
}

// Depth reports unconsumed entries on a subject, DLQs included.
func (s *MemoryStream) Depth(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.subjects[subject] {
		if !entry.acked {
			n++
		}
	}
	return n
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
