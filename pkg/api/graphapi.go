package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gitguard-io/gitguard/pkg/graph"
)

// Graph API defaults.
const (
	DefaultGraphDepth    = 2
	MaxGraphDepth        = 4
	DefaultGraphMaxNodes = 50
)

// HealthCheck probes one component. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// GraphAPI serves read-only views of the knowledge graph. When the store is
// unavailable it degrades to the last-good response with X-Stale set.
type GraphAPI struct {
	store  graph.Store
	checks map[string]HealthCheck
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	lastGood map[string][]byte
}

// NewGraphAPI wires the graph read surface. checks are probed by /health.
func NewGraphAPI(store graph.Store, checks map[string]HealthCheck, logger *slog.Logger) *GraphAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphAPI{
		store:    store,
		checks:   checks,
		logger:   logger.With("component", "graph_api"),
		clock:    time.Now,
		lastGood: make(map[string][]byte),
	}
}

// WithClock overrides the wall clock, for tests.
func (g *GraphAPI) WithClock(clock func() time.Time) *GraphAPI {
	g.clock = clock
	return g
}

// nodeJSON and edgeJSON are the wire shapes of graph elements.
type nodeJSON struct {
	ID    string         `json:"id"`
	NType string         `json:"ntype"`
	NKey  string         `json:"nkey"`
	Title string         `json:"title,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type edgeJSON struct {
	Src  string         `json:"src"`
	Dst  string         `json:"dst"`
	Rel  string         `json:"rel"`
	Data map[string]any `json:"data,omitempty"`
}

type subgraphJSON struct {
	Nodes     []nodeJSON `json:"nodes"`
	Edges     []edgeJSON `json:"edges"`
	Truncated bool       `json:"truncated,omitempty"`
}

func nodeID(ref graph.NodeRef) string { return ref.Type + ":" + ref.Key }

func toSubgraphJSON(sg graph.Subgraph) subgraphJSON {
	out := subgraphJSON{Nodes: []nodeJSON{}, Edges: []edgeJSON{}, Truncated: sg.Truncated}
	for _, n := range sg.Nodes {
		title, _ := n.Props["title"].(string)
		out.Nodes = append(out.Nodes, nodeJSON{
			ID:    nodeID(n.Ref),
			NType: n.Ref.Type,
			NKey:  n.Ref.Key,
			Title: title,
			Data:  n.Props,
		})
	}
	for _, e := range sg.Edges {
		out.Edges = append(out.Edges, edgeJSON{
			Src:  nodeID(e.Src),
			Dst:  nodeID(e.Dst),
			Rel:  e.Rel,
			Data: e.Props,
		})
	}
	return out
}

// HandleHealth serves GET /health.
func (g *GraphAPI) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := make(map[string]string)
	var degraded []string

	names := make([]string, 0, len(g.checks))
	for name := range g.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := g.checks[name](ctx); err != nil {
			components[name] = "degraded: " + err.Error()
			degraded = append(degraded, name)
		} else {
			components[name] = "healthy"
		}
	}

	status := "healthy"
	if len(degraded) > 0 {
		status = "degraded"
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"components":          components,
		"degraded_components": degraded,
	})
}

// HandlePR serves GET /graph/pr/{number}: the neighborhood of the PR node,
// matched across repositories by its number.
func (g *GraphAPI) HandlePR(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		WriteError(w, r, http.StatusBadRequest, CodeMalformed, "invalid pr number")
		return
	}

	g.serveCached(w, r, func(ctx context.Context) (any, error) {
		nodes, err := g.store.NodesByType(ctx, graph.NodePR)
		if err != nil {
			return nil, err
		}
		suffix := fmt.Sprintf("#%d", number)
		for _, n := range nodes {
			if !strings.HasSuffix(n.Ref.Key, suffix) {
				continue
			}
			sg, err := graph.Neighborhood(ctx, g.store, n.Ref, DefaultGraphDepth, DefaultGraphMaxNodes)
			if err != nil {
				return nil, err
			}
			return toSubgraphJSON(sg), nil
		}
		return nil, graph.ErrNotFound
	})
}

// HandleRelationships serves GET /graph/relationships?node_id=<type>:<key>&depth=n.
func (g *GraphAPI) HandleRelationships(w http.ResponseWriter, r *http.Request) {
	rawID := r.URL.Query().Get("node_id")
	ntype, nkey, ok := strings.Cut(rawID, ":")
	if !ok || ntype == "" || nkey == "" {
		WriteError(w, r, http.StatusBadRequest, CodeMalformed, "node_id must be <type>:<key>")
		return
	}
	depth := DefaultGraphDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 1 || d > MaxGraphDepth {
			WriteError(w, r, http.StatusBadRequest, CodeMalformed, fmt.Sprintf("depth must be 1..%d", MaxGraphDepth))
			return
		}
		depth = d
	}

	g.serveCached(w, r, func(ctx context.Context) (any, error) {
		sg, err := graph.Neighborhood(ctx, g.store, graph.NodeRef{Type: ntype, Key: nkey}, depth, DefaultGraphMaxNodes)
		if err != nil {
			return nil, err
		}
		return toSubgraphJSON(sg), nil
	})
}

// ownerEntry is one path's ownership record in the owners view.
type ownerEntry struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
	// ActivityScore sums recency-decayed touches of the path: each
	// touching change contributes 1/(1+age_days).
	ActivityScore float64 `json:"activity_score"`
	// LastActivity is the most recent touch, RFC 3339; empty when the
	// path has never been touched.
	LastActivity string `json:"last_activity,omitempty"`
	// ExpertiseAreas are the top-level directories of the primary
	// owner's files, sorted, capped at five.
	ExpertiseAreas []string `json:"expertise_areas,omitempty"`
}

const expertiseAreaCap = 5

// HandleOwners serves GET /graph/owners: the ownership view derived
// from owns edges, enriched with touch recency and coverage metadata.
func (g *GraphAPI) HandleOwners(w http.ResponseWriter, r *http.Request) {
	g.serveCached(w, r, func(ctx context.Context) (any, error) {
		ownsEdges, err := g.store.EdgesByRel(ctx, graph.RelOwns)
		if err != nil {
			return nil, err
		}
		touchEdges, err := g.store.EdgesByRel(ctx, graph.RelTouches)
		if err != nil {
			return nil, err
		}
		files, err := g.store.NodesByType(ctx, graph.NodeFile)
		if err != nil {
			return nil, err
		}

		now := g.clock()
		activity := make(map[string]float64)
		lastTouch := make(map[string]time.Time)
		for _, e := range touchEdges {
			path := e.Dst.Key
			ageDays := now.Sub(e.UpdatedAt).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			activity[path] += 1 / (1 + ageDays)
			if e.UpdatedAt.After(lastTouch[path]) {
				lastTouch[path] = e.UpdatedAt
			}
		}

		byPath := make(map[string][]string)
		ownerFiles := make(map[string][]string)
		for _, e := range ownsEdges {
			byPath[e.Dst.Key] = append(byPath[e.Dst.Key], e.Src.Key)
			ownerFiles[e.Src.Key] = append(ownerFiles[e.Src.Key], e.Dst.Key)
		}

		owners := make(map[string]ownerEntry, len(byPath))
		for path, names := range byPath {
			sort.Strings(names)
			entry := ownerEntry{
				Primary:        names[0],
				Secondary:      names[1:],
				ActivityScore:  activity[path],
				ExpertiseAreas: expertiseAreas(ownerFiles[names[0]]),
			}
			if t, ok := lastTouch[path]; ok {
				entry.LastActivity = t.UTC().Format(time.RFC3339)
			}
			owners[path] = entry
		}

		coverage := 0.0
		if len(files) > 0 {
			coverage = float64(len(byPath)) / float64(len(files)) * 100
		}
		return map[string]any{
			"owners": owners,
			"metadata": map[string]any{
				"generated_at":        g.clock().UTC().Format(time.RFC3339),
				"total_files":         len(files),
				"coverage_percentage": coverage,
			},
		}, nil
	})
}

// expertiseAreas reduces a file list to its top-level directories.
// Root-level files count as ".".
func expertiseAreas(paths []string) []string {
	seen := map[string]bool{}
	for _, p := range paths {
		area := "."
		if i := strings.Index(p, "/"); i > 0 {
			area = p[:i]
		}
		seen[area] = true
	}
	areas := make([]string, 0, len(seen))
	for area := range seen {
		areas = append(areas, area)
	}
	sort.Strings(areas)
	if len(areas) > expertiseAreaCap {
		areas = areas[:expertiseAreaCap]
	}
	return areas
}

// serveCached runs the query and remembers the marshalled result per route.
// On store failure the last-good body is replayed with X-Stale: true.
func (g *GraphAPI) serveCached(w http.ResponseWriter, r *http.Request, query func(ctx context.Context) (any, error)) {
	key := r.URL.RequestURI()

	result, err := query(r.Context())
	if err == nil {
		body, merr := marshalBody(result)
		if merr != nil {
			WriteError(w, r, http.StatusInternalServerError, CodeInternal, "response encoding failed")
			return
		}
		g.mu.Lock()
		g.lastGood[key] = body
		g.mu.Unlock()
		writeRaw(w, http.StatusOK, body)
		return
	}
	if errors.Is(err, graph.ErrNotFound) {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "node not found")
		return
	}

	g.mu.RLock()
	body, ok := g.lastGood[key]
	g.mu.RUnlock()
	if ok {
		g.logger.Warn("serving stale graph response", "route", key, "error", err)
		w.Header().Set("X-Stale", "true")
		writeRaw(w, http.StatusOK, body)
		return
	}
	g.logger.Error("graph query failed", "route", key, "error", err)
	WriteError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "graph store unavailable")
}
