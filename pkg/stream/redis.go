package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream is the durable backend on Redis Streams. One Redis stream
// per subject, one consumer group shared by all workers. Messages stay
// in the pending entries list until acknowledged, so a crashed worker's
// deliveries are reclaimed by the scan loop.
type RedisStream struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
}

func NewRedisStream(client *redis.Client, opts Options, logger *slog.Logger) *RedisStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStream{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "stream"),
	}
}

const (
	fieldData    = "data"
	fieldHeaders = "headers"
)

func (s *RedisStream) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) (string, error) {
	values := map[string]any{fieldData: data}
	for k, v := range headers {
		values[fieldHeaders+":"+k] = v
	}
	args := &redis.XAddArgs{
		Stream: subject,
		Values: values,
	}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("stream: publish %s: %w", subject, err)
	}
	return id, nil
}

// ensureGroup creates the consumer group, tolerating concurrent creation.
func (s *RedisStream) ensureGroup(ctx context.Context, subject string) error {
	err := s.client.XGroupCreateMkStream(ctx, subject, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group on %s: %w", subject, err)
	}
	return nil
}

func (s *RedisStream) Subscribe(ctx context.Context, consumer string, subjects []string, handler Handler) error {
	for _, subject := range subjects {
		if err := s.ensureGroup(ctx, subject); err != nil {
			return err
		}
	}

	claimTick := time.NewTicker(s.opts.ClaimInterval)
	defer claimTick.Stop()

	streams := make([]string, 0, 2*len(subjects))
	streams = append(streams, subjects...)
	for range subjects {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTick.C:
			for _, subject := range subjects {
				s.reclaim(ctx, subject, consumer, handler)
			}
		default:
		}

		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: consumer,
			Streams:  streams,
			Count:    16,
			Block:    s.opts.BlockInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, str := range res {
			for _, entry := range str.Messages {
				s.dispatch(ctx, str.Stream, entry, 1, handler)
			}
		}
	}
}

// reclaim scans the pending entries list and redelivers entries whose
// idle time has passed the backoff for their failure count. Entries over
// the delivery budget are parked on the DLQ subject and acknowledged.
func (s *RedisStream) reclaim(ctx context.Context, subject, consumer string, handler Handler) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: subject,
		Group:  Group,
		Start:  "-",
		End:    "+",
		Count:  64,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	for _, p := range pending {
		failed := int(p.RetryCount)
		if failed >= s.opts.MaxDeliveries {
			s.park(ctx, subject, p.ID)
			continue
		}
		if p.Idle < s.opts.backoffFor(failed) {
			continue
		}
		claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   subject,
			Group:    Group,
			Consumer: consumer,
			MinIdle:  s.opts.backoffFor(failed),
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue // another consumer won the claim
		}
		s.dispatch(ctx, subject, claimed[0], failed+1, handler)
	}
}

// park moves an exhausted entry to the DLQ subject and acks it.
func (s *RedisStream) park(ctx context.Context, subject, id string) {
	entries, err := s.client.XRangeN(ctx, subject, id, id, 1).Result()
	if err != nil || len(entries) == 0 {
		return
	}
	data, headers := decodeValues(entries[0].Values)
	headers["dlq-source"] = subject
	headers["dlq-entry"] = id
	if _, err := s.Publish(ctx, DLQSubject(subject), data, headers); err != nil {
		s.logger.Error("dlq publish failed", "subject", subject, "id", id, "error", err)
		return
	}
	_ = s.client.XAck(ctx, subject, Group, id).Err()
	s.logger.Warn("message parked on dlq", "subject", subject, "id", id)
}

func (s *RedisStream) dispatch(ctx context.Context, subject string, entry redis.XMessage, delivery int, handler Handler) {
	data, headers := decodeValues(entry.Values)
	msg := Message{
		ID:       entry.ID,
		Subject:  subject,
		Data:     data,
		Headers:  headers,
		Delivery: delivery,
	}

	err := handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := s.client.XAck(ctx, subject, Group, entry.ID).Err(); ackErr != nil {
			s.logger.Warn("ack failed", "subject", subject, "id", entry.ID, "error", ackErr)
		}
	case errors.Is(err, ErrTerminal):
		s.park(ctx, subject, entry.ID)
	default:
		// Leave pending; the reclaim loop redelivers after backoff.
		s.logger.Warn("handler failed, will redeliver",
			"subject", subject, "id", entry.ID, "delivery", delivery, "error", err)
	}
}

// Replay re-reads the subject's retained log from fromID without
// touching the consumer group, so processed entries are revisited and
// nothing is acknowledged.
func (s *RedisStream) Replay(ctx context.Context, subject, fromID string, handler Handler) error {
	start := fromID
	if start == "" {
		start = "-"
	}
	entries, err := s.client.XRange(ctx, subject, start, "+").Result()
	if err != nil {
		return fmt.Errorf("stream: replay %s: %w", subject, err)
	}
	for _, entry := range entries {
		data, headers := decodeValues(entry.Values)
		msg := Message{
			ID:       entry.ID,
			Subject:  subject,
			Data:     data,
			Headers:  headers,
			Delivery: 1,
		}
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Trim applies MaxLen and MaxAge to the subject's stream.
func (s *RedisStream) Trim(ctx context.Context, subject string) (int64, error) {
	var dropped int64
	if s.opts.MaxLen > 0 {
		n, err := s.client.XTrimMaxLen(ctx, subject, s.opts.MaxLen).Result()
		if err != nil {
			return dropped, fmt.Errorf("stream: trim %s: %w", subject, err)
		}
		dropped += n
	}
	if s.opts.MaxAge > 0 {
		minID := fmt.Sprintf("%d-0", time.Now().Add(-s.opts.MaxAge).UnixMilli())
		n, err := s.client.XTrimMinID(ctx, subject, minID).Result()
		if err != nil {
			return dropped, fmt.Errorf("stream: trim %s: %w", subject, err)
		}
		dropped += n
	}
	return dropped, nil
}

func (s *RedisStream) Pending(ctx context.Context, subject string) (int64, error) {
	info, err := s.client.XPending(ctx, subject, Group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("stream: pending %s: %w", subject, err)
	}
	return info.Count, nil
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}

func decodeValues(values map[string]any) ([]byte, map[string]string) {
	var data []byte
	headers := map[string]string{}
	for k, v := range values {
		sv, _ := v.(string)
		switch {
		case k == fieldData:
			data = []byte(sv)
		case strings.HasPrefix(k, fieldHeaders+":"):
			headers[strings.TrimPrefix(k, fieldHeaders+":")] = sv
		}
	}
	return data, headers
}
