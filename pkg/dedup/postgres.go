package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLedger is the durable Ledger backed by the seen_deliveries
// table. Reserve relies on the primary key plus ON CONFLICT DO NOTHING,
// so the insert either wins the row or observes that another delivery
// already did.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const seenDeliveriesSchema = `
	CREATE TABLE IF NOT EXISTS seen_deliveries (
		delivery_id TEXT PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL
	)
`

// EnsureSchema creates the ledger table when it does not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, seenDeliveriesSchema); err != nil {
		return fmt.Errorf("dedup: ensure schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Reserve(ctx context.Context, deliveryID string, receivedAt time.Time) (bool, error) {
	query := `
		INSERT INTO seen_deliveries (delivery_id, received_at)
		VALUES ($1, $2)
		ON CONFLICT (delivery_id) DO NOTHING
	`
	res, err := l.db.ExecContext(ctx, query, deliveryID, receivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("dedup: reserve %s: %w", deliveryID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: reserve %s: %w", deliveryID, err)
	}
	return inserted == 1, nil
}

func (l *PostgresLedger) Release(ctx context.Context, deliveryID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM seen_deliveries WHERE delivery_id = $1`, deliveryID); err != nil {
		return fmt.Errorf("dedup: release %s: %w", deliveryID, err)
	}
	return nil
}

func (l *PostgresLedger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM seen_deliveries WHERE received_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("dedup: prune: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dedup: prune: %w", err)
	}
	return removed, nil
}
