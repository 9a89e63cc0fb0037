package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style for the shared SQL text.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore persists the graph in kg_nodes and kg_edges. The same SQL
// serves Postgres (lib/pq) and SQLite (modernc.org/sqlite); both support
// ON CONFLICT upserts, only the placeholder style differs.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite}
}

var graphSchema = []string{
	`CREATE TABLE IF NOT EXISTS kg_nodes (
		ntype TEXT NOT NULL,
		nkey TEXT NOT NULL,
		props TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (ntype, nkey)
	)`,
	`CREATE TABLE IF NOT EXISTS kg_edges (
		src_type TEXT NOT NULL,
		src_key TEXT NOT NULL,
		rel TEXT NOT NULL,
		dst_type TEXT NOT NULL,
		dst_key TEXT NOT NULL,
		props TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (src_type, src_key, rel, dst_type, dst_key)
	)`,
	`CREATE INDEX IF NOT EXISTS kg_edges_dst ON kg_edges (dst_type, dst_key)`,
	`CREATE INDEX IF NOT EXISTS kg_edges_rel ON kg_edges (rel)`,
}

// EnsureSchema creates the graph tables when they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range graphSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("graph: ensure schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalProps(props map[string]any) ([]byte, error) {
	if props == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(props)
}

func unmarshalProps(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "{}" {
		return nil, nil
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return props, nil
}

func (s *SQLStore) UpsertNode(ctx context.Context, n Node) error {
	props, err := marshalProps(n.Props)
	if err != nil {
		return fmt.Errorf("graph: marshal node props: %w", err)
	}
	query := s.rebind(`
		INSERT INTO kg_nodes (ntype, nkey, props, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ntype, nkey) DO UPDATE SET
			props = excluded.props,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, n.Ref.Type, n.Ref.Key, props, n.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("graph: upsert node %s/%s: %w", n.Ref.Type, n.Ref.Key, err)
	}
	return nil
}

func (s *SQLStore) UpsertEdge(ctx context.Context, e Edge) error {
	props, err := marshalProps(e.Props)
	if err != nil {
		return fmt.Errorf("graph: marshal edge props: %w", err)
	}
	query := s.rebind(`
		INSERT INTO kg_edges (src_type, src_key, rel, dst_type, dst_key, props, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (src_type, src_key, rel, dst_type, dst_key) DO UPDATE SET
			props = excluded.props,
			updated_at = excluded.updated_at
	`)
	_, err = s.db.ExecContext(ctx, query,
		e.Src.Type, e.Src.Key, e.Rel, e.Dst.Type, e.Dst.Key, props, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("graph: upsert edge %s-%s->%s: %w", e.Src.Key, e.Rel, e.Dst.Key, err)
	}
	return nil
}

func (s *SQLStore) GetNode(ctx context.Context, ref NodeRef) (Node, error) {
	query := s.rebind(`SELECT props, updated_at FROM kg_nodes WHERE ntype = ? AND nkey = ?`)
	var propsRaw []byte
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, ref.Type, ref.Key).Scan(&propsRaw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("graph: get node %s/%s: %w", ref.Type, ref.Key, err)
	}
	props, err := unmarshalProps(propsRaw)
	if err != nil {
		return Node{}, fmt.Errorf("graph: corrupt props for %s/%s: %w", ref.Type, ref.Key, err)
	}
	return Node{Ref: ref, Props: props, UpdatedAt: updatedAt}, nil
}

func (s *SQLStore) IncidentEdges(ctx context.Context, ref NodeRef) ([]Edge, error) {
	query := s.rebind(`
		SELECT src_type, src_key, rel, dst_type, dst_key, props, updated_at
		FROM kg_edges
		WHERE (src_type = ? AND src_key = ?) OR (dst_type = ? AND dst_key = ?)
		ORDER BY src_type, src_key, rel, dst_type, dst_key
	`)
	return s.queryEdges(ctx, query, ref.Type, ref.Key, ref.Type, ref.Key)
}

func (s *SQLStore) EdgesByRel(ctx context.Context, rel string) ([]Edge, error) {
	query := s.rebind(`
		SELECT src_type, src_key, rel, dst_type, dst_key, props, updated_at
		FROM kg_edges
		WHERE rel = ?
		ORDER BY src_type, src_key, rel, dst_type, dst_key
	`)
	return s.queryEdges(ctx, query, rel)
}

func (s *SQLStore) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var propsRaw []byte
		var updatedAt time.Time
		if err := rows.Scan(&e.Src.Type, &e.Src.Key, &e.Rel, &e.Dst.Type, &e.Dst.Key, &propsRaw, &updatedAt); err != nil {
			return nil, fmt.Errorf("graph: scan edge: %w", err)
		}
		props, err := unmarshalProps(propsRaw)
		if err != nil {
			return nil, fmt.Errorf("graph: corrupt edge props: %w", err)
		}
		e.Props = props
		e.UpdatedAt = updatedAt
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

func (s *SQLStore) NodesByType(ctx context.Context, ntype string) ([]Node, error) {
	query := s.rebind(`
		SELECT ntype, nkey, props, updated_at
		FROM kg_nodes
		WHERE ntype = ?
		ORDER BY ntype, nkey
	`)
	rows, err := s.db.QueryContext(ctx, query, ntype)
	if err != nil {
		return nil, fmt.Errorf("graph: nodes by type: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []Node
	for rows.Next() {
		var n Node
		var propsRaw []byte
		var updatedAt time.Time
		if err := rows.Scan(&n.Ref.Type, &n.Ref.Key, &propsRaw, &updatedAt); err != nil {
			return nil, fmt.Errorf("graph: scan node: %w", err)
		}
		props, err := unmarshalProps(propsRaw)
		if err != nil {
			return nil, fmt.Errorf("graph: corrupt props for %s/%s: %w", n.Ref.Type, n.Ref.Key, err)
		}
		n.Props = props
		n.UpdatedAt = updatedAt
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *SQLStore) DeleteEdge(ctx context.Context, e Edge) error {
	query := s.rebind(`
		DELETE FROM kg_edges
		WHERE src_type = ? AND src_key = ? AND rel = ? AND dst_type = ? AND dst_key = ?
	`)
	_, err := s.db.ExecContext(ctx, query, e.Src.Type, e.Src.Key, e.Rel, e.Dst.Type, e.Dst.Key)
	if err != nil {
		return fmt.Errorf("graph: delete edge %s-%s->%s: %w", e.Src.Key, e.Rel, e.Dst.Key, err)
	}
	return nil
}

func (s *SQLStore) DeleteCascade(ctx context.Context, ref NodeRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delEdges := s.rebind(`
		DELETE FROM kg_edges
		WHERE (src_type = ? AND src_key = ?) OR (dst_type = ? AND dst_key = ?)
	`)
	if _, err := tx.ExecContext(ctx, delEdges, ref.Type, ref.Key, ref.Type, ref.Key); err != nil {
		return fmt.Errorf("graph: delete edges for %s/%s: %w", ref.Type, ref.Key, err)
	}
	delNode := s.rebind(`DELETE FROM kg_nodes WHERE ntype = ? AND nkey = ?`)
	if _, err := tx.ExecContext(ctx, delNode, ref.Type, ref.Key); err != nil {
		return fmt.Errorf("graph: delete node %s/%s: %w", ref.Type, ref.Key, err)
	}
	return tx.Commit()
}
