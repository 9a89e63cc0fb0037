package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitguard-io/gitguard/pkg/graph"
)

func seedGraph(t *testing.T) *graph.MemoryStore {
	t.Helper()
	store := graph.NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	pr := graph.NodeRef{Type: graph.NodePR, Key: "acme/demo#7"}
	file := graph.NodeRef{Type: graph.NodeFile, Key: "a.go"}
	actor := graph.NodeRef{Type: graph.NodeActor, Key: "octocat"}
	owner := graph.NodeRef{Type: graph.NodeOwner, Key: "team-core"}

	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: pr, Props: map[string]any{"title": "feat: add widget"}, UpdatedAt: at}))
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: file, UpdatedAt: at}))
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: actor, UpdatedAt: at}))
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: owner, UpdatedAt: at}))
	require.NoError(t, store.UpsertEdge(ctx, graph.Edge{Src: pr, Rel: graph.RelTouches, Dst: file, UpdatedAt: at}))
	require.NoError(t, store.UpsertEdge(ctx, graph.Edge{Src: actor, Rel: graph.RelAuthored, Dst: pr, UpdatedAt: at}))
	require.NoError(t, store.UpsertEdge(ctx, graph.Edge{Src: owner, Rel: graph.RelOwns, Dst: file, UpdatedAt: at}))
	return store
}

func newGraphServer(t *testing.T, store graph.Store, cfg ServerConfig) http.Handler {
	t.Helper()
	api := NewGraphAPI(store, nil, nil)
	webhook := NewWebhookHandler(WebhookConfig{Secret: testSecret}, nil, nil, nil, nil)
	return NewMux(cfg, webhook, api, nil)
}

func getJSON(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestGraphAPI_PRNeighborhood(t *testing.T) {
	h := newGraphServer(t, seedGraph(t), ServerConfig{})

	var sg subgraphJSON
	rec := getJSON(t, h, "/graph/pr/7", &sg)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	ids := make(map[string]nodeJSON)
	for _, n := range sg.Nodes {
		ids[n.ID] = n
	}
	assert.Contains(t, ids, "pr:acme/demo#7")
	assert.Contains(t, ids, "file:a.go")
	assert.Contains(t, ids, "actor:octocat")
	assert.Equal(t, "feat: add widget", ids["pr:acme/demo#7"].Title)
	assert.Len(t, sg.Edges, 3)
}

func TestGraphAPI_PRNotFound(t *testing.T) {
	h := newGraphServer(t, seedGraph(t), ServerConfig{})

	rec := getJSON(t, h, "/graph/pr/999", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeNotFound)
	assert.Contains(t, rec.Body.String(), `"request_id"`)
}

func TestGraphAPI_Relationships(t *testing.T) {
	h := newGraphServer(t, seedGraph(t), ServerConfig{})

	var sg subgraphJSON
	rec := getJSON(t, h, "/graph/relationships?node_id=file:a.go&depth=1", &sg)

	require.Equal(t, http.StatusOK, rec.Code)
	ids := make(map[string]bool)
	for _, n := range sg.Nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids["file:a.go"])
	assert.True(t, ids["pr:acme/demo#7"])
	assert.True(t, ids["owner:team-core"])
	assert.False(t, ids["actor:octocat"], "depth 1 stops before the actor")
}

func TestGraphAPI_RelationshipsBadRequest(t *testing.T) {
	h := newGraphServer(t, seedGraph(t), ServerConfig{})

	assert.Equal(t, http.StatusBadRequest, getJSON(t, h, "/graph/relationships?node_id=nonsense", nil).Code)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, h, "/graph/relationships?node_id=file:a.go&depth=9", nil).Code)
}

func TestGraphAPI_Owners(t *testing.T) {
	api := NewGraphAPI(seedGraph(t), nil, nil)
	at := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	api.WithClock(func() time.Time { return at })

	req := httptest.NewRequest(http.MethodGet, "/graph/owners", nil)
	rec := httptest.NewRecorder()
	api.HandleOwners(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Owners   map[string]ownerEntry `json:"owners"`
		Metadata struct {
			GeneratedAt        string  `json:"generated_at"`
			TotalFiles         int     `json:"total_files"`
			CoveragePercentage float64 `json:"coverage_percentage"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	entry := resp.Owners["a.go"]
	assert.Equal(t, "team-core", entry.Primary)
	assert.Empty(t, entry.Secondary)
	assert.InDelta(t, 1.0, entry.ActivityScore, 0.001, "a touch today scores 1/(1+0)")
	assert.Equal(t, "2026-08-21T12:00:00Z", entry.LastActivity)
	assert.Equal(t, []string{"."}, entry.ExpertiseAreas, "root-level file maps to the root area")
	assert.Equal(t, 1, resp.Metadata.TotalFiles)
	assert.InDelta(t, 100.0, resp.Metadata.CoveragePercentage, 0.01)
	assert.Equal(t, "2026-08-21T12:00:00Z", resp.Metadata.GeneratedAt)
}

func TestGraphAPI_OwnersActivityDecays(t *testing.T) {
	store := seedGraph(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

	// A second touch from nine days earlier decays to 1/(1+9).
	oldPR := graph.NodeRef{Type: graph.NodePR, Key: "acme/demo#3"}
	file := graph.NodeRef{Type: graph.NodeFile, Key: "a.go"}
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: oldPR, UpdatedAt: at}))
	require.NoError(t, store.UpsertEdge(ctx, graph.Edge{Src: oldPR, Rel: graph.RelTouches, Dst: file, UpdatedAt: at.Add(-9 * 24 * time.Hour)}))

	// An owned file under a directory shows up as an expertise area.
	apiFile := graph.NodeRef{Type: graph.NodeFile, Key: "pkg/api/server.go"}
	owner := graph.NodeRef{Type: graph.NodeOwner, Key: "team-core"}
	require.NoError(t, store.UpsertNode(ctx, graph.Node{Ref: apiFile, UpdatedAt: at}))
	require.NoError(t, store.UpsertEdge(ctx, graph.Edge{Src: owner, Rel: graph.RelOwns, Dst: apiFile, UpdatedAt: at}))

	api := NewGraphAPI(store, nil, nil)
	api.WithClock(func() time.Time { return at })

	req := httptest.NewRequest(http.MethodGet, "/graph/owners", nil)
	rec := httptest.NewRecorder()
	api.HandleOwners(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Owners map[string]ownerEntry `json:"owners"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	entry := resp.Owners["a.go"]
	assert.InDelta(t, 1.0+1.0/10.0, entry.ActivityScore, 0.001)
	assert.Equal(t, "2026-08-21T12:00:00Z", entry.LastActivity, "latest touch wins")
	assert.Equal(t, []string{".", "pkg"}, entry.ExpertiseAreas)

	untouched := resp.Owners["pkg/api/server.go"]
	assert.Zero(t, untouched.ActivityScore)
	assert.Empty(t, untouched.LastActivity)
}

// toggleStore fails every read once tripped, to exercise stale fallbacks.
type toggleStore struct {
	graph.Store
	fail bool
}

var errStoreDown = errors.New("connection refused")

func (s *toggleStore) GetNode(ctx context.Context, ref graph.NodeRef) (graph.Node, error) {
	if s.fail {
		return graph.Node{}, errStoreDown
	}
	return s.Store.GetNode(ctx, ref)
}

func (s *toggleStore) NodesByType(ctx context.Context, ntype string) ([]graph.Node, error) {
	if s.fail {
		return nil, errStoreDown
	}
	return s.Store.NodesByType(ctx, ntype)
}

func (s *toggleStore) EdgesByRel(ctx context.Context, rel string) ([]graph.Edge, error) {
	if s.fail {
		return nil, errStoreDown
	}
	return s.Store.EdgesByRel(ctx, rel)
}

func TestGraphAPI_StaleFallback(t *testing.T) {
	store := &toggleStore{Store: seedGraph(t)}
	h := newGraphServer(t, store, ServerConfig{})

	warm := getJSON(t, h, "/graph/owners", nil)
	require.Equal(t, http.StatusOK, warm.Code)
	assert.Empty(t, warm.Header().Get("X-Stale"))

	store.fail = true

	stale := getJSON(t, h, "/graph/owners", nil)
	assert.Equal(t, http.StatusOK, stale.Code)
	assert.Equal(t, "true", stale.Header().Get("X-Stale"))
	assert.JSONEq(t, warm.Body.String(), stale.Body.String())

	// A route never served while healthy has no last-good body.
	cold := getJSON(t, h, "/graph/pr/7", nil)
	assert.Equal(t, http.StatusServiceUnavailable, cold.Code)
	assert.Contains(t, cold.Body.String(), CodeUnavailable)
}

func TestGraphAPI_Health(t *testing.T) {
	checks := map[string]HealthCheck{
		"graph_store": func(context.Context) error { return nil },
		"stream":      func(context.Context) error { return errors.New("no route to host") },
	}
	api := NewGraphAPI(graph.NewMemoryStore(), checks, nil)

	rec := httptest.NewRecorder()
	api.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
		Degraded   []string          `json:"degraded_components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "healthy", resp.Components["graph_store"])
	assert.Equal(t, []string{"stream"}, resp.Degraded)
}

func TestMux_CORSPreflight(t *testing.T) {
	h := newGraphServer(t, seedGraph(t), ServerConfig{CORSOrigins: []string{"https://portal.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/graph/owners", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/graph/owners", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMux_JWTGuard(t *testing.T) {
	secret := []byte("graph-api-secret")
	h := newGraphServer(t, seedGraph(t), ServerConfig{JWTSecret: secret})

	// No token.
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, h, "/graph/owners", nil).Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, getJSON(t, h, "/health", nil).Code)

	// Valid token.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "reader",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/graph/owners", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Token signed with the wrong key.
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "reader"}).
		SignedString([]byte("other"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/graph/owners", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMux_RateLimit(t *testing.T) {
	h := newGraphServer(t, seedGraph(t), ServerConfig{RateRPS: 1, RateBurst: 1})

	first := getJSON(t, h, "/graph/owners", nil)
	second := getJSON(t, h, "/graph/owners", nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}
