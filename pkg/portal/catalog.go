package portal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// CatalogEntry is one row of the page catalog: which page exists, when
// it was last generated, and the event key it was generated from.
type CatalogEntry struct {
	PageKey     string    `json:"page_key"`
	GeneratedAt time.Time `json:"generated_at"`
	SampleID    string    `json:"sample_id"`
}

// Catalog persists the page catalog so a restarted publisher knows the
// site it inherited and compaction can find stale pages.
type Catalog interface {
	Record(ctx context.Context, entry CatalogEntry) error
	List(ctx context.Context) ([]CatalogEntry, error)
	Delete(ctx context.Context, pageKey string) error
}

// MemoryCatalog is the in-process catalog.
type MemoryCatalog struct {
	mu      sync.Mutex
	entries map[string]CatalogEntry
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: map[string]CatalogEntry{}}
}

func (c *MemoryCatalog) Record(_ context.Context, entry CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.PageKey] = entry
	return nil
}

func (c *MemoryCatalog) List(_ context.Context) ([]CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CatalogEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	return out, nil
}

func (c *MemoryCatalog) Delete(_ context.Context, pageKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, pageKey)
	return nil
}

// SQLCatalog persists the catalog in the portal_pages table. Postgres
// placeholders.
type SQLCatalog struct {
	db *sql.DB
}

func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

const portalPagesSchema = `
	CREATE TABLE IF NOT EXISTS portal_pages (
		page_key TEXT PRIMARY KEY,
		generated_at TIMESTAMPTZ NOT NULL,
		sample_id TEXT NOT NULL
	)
`

func (c *SQLCatalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, portalPagesSchema); err != nil {
		return fmt.Errorf("portal: ensure catalog schema: %w", err)
	}
	return nil
}

func (c *SQLCatalog) Record(ctx context.Context, entry CatalogEntry) error {
	query := `
		INSERT INTO portal_pages (page_key, generated_at, sample_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (page_key) DO UPDATE SET
			generated_at = excluded.generated_at,
			sample_id = excluded.sample_id
	`
	if _, err := c.db.ExecContext(ctx, query, entry.PageKey, entry.GeneratedAt.UTC(), entry.SampleID); err != nil {
		return fmt.Errorf("portal: record page %s: %w", entry.PageKey, err)
	}
	return nil
}

func (c *SQLCatalog) List(ctx context.Context) ([]CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT page_key, generated_at, sample_id FROM portal_pages`)
	if err != nil {
		return nil, fmt.Errorf("portal: list pages: %w", err)
	}
	defer rows.Close()

	var out []CatalogEntry
	for rows.Next() {
		var entry CatalogEntry
		if err := rows.Scan(&entry.PageKey, &entry.GeneratedAt, &entry.SampleID); err != nil {
			return nil, fmt.Errorf("portal: scan page: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("portal: list pages: %w", err)
	}
	return out, nil
}

func (c *SQLCatalog) Delete(ctx context.Context, pageKey string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM portal_pages WHERE page_key = $1`, pageKey); err != nil {
		return fmt.Errorf("portal: delete page %s: %w", pageKey, err)
	}
	return nil
}
