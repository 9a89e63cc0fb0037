package graph

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[NodeRef]Node
	edges map[string]Edge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[NodeRef]Node),
		edges: make(map[string]Edge),
	}
}

func (m *MemoryStore) UpsertNode(_ context.Context, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Ref] = n
	return nil
}

func (m *MemoryStore) UpsertEdge(_ context.Context, e Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[edgeID(e)] = e
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, ref NodeRef) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[ref]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *MemoryStore) IncidentEdges(_ context.Context, ref NodeRef) ([]Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Edge
	for _, e := range m.edges {
		if e.Src == ref || e.Dst == ref {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out, nil
}

func (m *MemoryStore) EdgesByRel(_ context.Context, rel string) ([]Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Edge
	for _, e := range m.edges {
		if e.Rel == rel {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out, nil
}

func (m *MemoryStore) NodesByType(_ context.Context, ntype string) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for ref, n := range m.nodes {
		if ref.Type == ntype {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Less(out[j].Ref) })
	return out, nil
}

func (m *MemoryStore) DeleteEdge(_ context.Context, e Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.edges, edgeID(e))
	return nil
}

func (m *MemoryStore) DeleteCascade(_ context.Context, ref NodeRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, ref)
	for id, e := range m.edges {
		if e.Src == ref || e.Dst == ref {
			delete(m.edges, id)
		}
	}
	return nil
}
