package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoCheckpoint is returned when a key has never completed a stage.
var ErrNoCheckpoint = errors.New("workflow: no checkpoint")

// Checkpoint records the last completed stage for an event key. A
// redelivery whose digest matches a checkpoint at the final stage is
// acknowledged without rerunning the pipeline; anything else reruns
// from the top, which is safe because every activity is idempotent.
type Checkpoint struct {
	Key     string    `json:"key"`
	Stage   string    `json:"stage"`
	Digest  string    `json:"digest"`
	SavedAt time.Time `json:"saved_at"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Last(ctx context.Context, key string) (Checkpoint, error)
	// Prune drops checkpoints saved before the cutoff.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// MemoryCheckpoints is the in-process store.
type MemoryCheckpoints struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: map[string]Checkpoint{}}
}

func (s *MemoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.Key] = cp
	return nil
}

func (s *MemoryCheckpoints) Last(_ context.Context, key string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[key]
	if !ok {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return cp, nil
}

func (s *MemoryCheckpoints) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, cp := range s.cps {
		if cp.SavedAt.Before(olderThan) {
			delete(s.cps, key)
			removed++
		}
	}
	return removed, nil
}

// SQLCheckpoints persists checkpoints in the wf_checkpoints table.
// Postgres placeholders; the table is tiny and append-converging.
type SQLCheckpoints struct {
	db *sql.DB
}

func NewSQLCheckpoints(db *sql.DB) *SQLCheckpoints {
	return &SQLCheckpoints{db: db}
}

const checkpointSchema = `
	CREATE TABLE IF NOT EXISTS wf_checkpoints (
		event_key TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		digest TEXT NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	)
`

func (s *SQLCheckpoints) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, checkpointSchema); err != nil {
		return fmt.Errorf("workflow: ensure checkpoint schema: %w", err)
	}
	return nil
}

func (s *SQLCheckpoints) Save(ctx context.Context, cp Checkpoint) error {
	query := `
		INSERT INTO wf_checkpoints (event_key, stage, digest, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_key) DO UPDATE SET
			stage = excluded.stage,
			digest = excluded.digest,
			saved_at = excluded.saved_at
	`
	if _, err := s.db.ExecContext(ctx, query, cp.Key, cp.Stage, cp.Digest, cp.SavedAt.UTC()); err != nil {
		return fmt.Errorf("workflow: save checkpoint %s: %w", cp.Key, err)
	}
	return nil
}

func (s *SQLCheckpoints) Last(ctx context.Context, key string) (Checkpoint, error) {
	query := `SELECT stage, digest, saved_at FROM wf_checkpoints WHERE event_key = $1`
	cp := Checkpoint{Key: key}
	err := s.db.QueryRowContext(ctx, query, key).Scan(&cp.Stage, &cp.Digest, &cp.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("workflow: load checkpoint %s: %w", key, err)
	}
	return cp, nil
}

func (s *SQLCheckpoints) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wf_checkpoints WHERE saved_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("workflow: prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
