package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gitguard-io/gitguard/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults when no
// environment variables are set. The process must boot in dev mode without
// any configuration beyond the signing secret.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"ADDR", "CORS_ORIGINS", "BODY_MAX_BYTES", "SIGNING_SECRET",
		"INGRESS_BACKPRESSURE_MS", "STREAM_URL", "DB_URL", "GRAPH_BACKEND",
		"SINK_URL", "WORKER_LANES", "MAINT_INTERVAL", "LOG_LEVEL",
		"SLO_FRESHNESS_TARGET_MS", "CHAOS_HOOKS_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Empty(t, cfg.CORSOrigins)
	assert.EqualValues(t, 1<<20, cfg.BodyMaxBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.BackpressureLatency)
	assert.Contains(t, cfg.StreamURL, "localhost")
	assert.Equal(t, "postgres", cfg.GraphBackend)
	assert.Equal(t, time.Hour, cfg.MaintInterval)
	assert.Equal(t, 180*time.Second, cfg.FreshnessTarget)
	assert.GreaterOrEqual(t, cfg.WorkerLanes, 4)
	assert.Equal(t, 7*24*time.Hour, cfg.StreamMaxAge)
	assert.EqualValues(t, 100_000, cfg.StreamMaxMsgs)
	assert.Equal(t, 14*24*time.Hour, cfg.DedupRetention)
	assert.True(t, cfg.PublishEnabled)
	assert.True(t, cfg.TransparencyEnabled)
	assert.False(t, cfg.ChaosEnabled)
}

// TestLoad_Overrides verifies that environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9443")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("SIGNING_SECRET", "hunter2")
	t.Setenv("INGRESS_BACKPRESSURE_MS", "500")
	t.Setenv("GRAPH_BACKEND", "sqlite")
	t.Setenv("WORKER_LANES", "2")
	t.Setenv("MAINT_INTERVAL", "30m")
	t.Setenv("CORE_PUBLISH_ENABLED", "false")
	t.Setenv("POLICY_TRANSPARENCY_ENABLED", "false")
	t.Setenv("PERF_BUDGET", "25.5")
	t.Setenv("STREAM_MAX_AGE", "48h")
	t.Setenv("STREAM_MAX_MSGS", "5000")
	t.Setenv("DEDUP_RETENTION", "72h")

	cfg := config.Load()

	assert.Equal(t, ":9443", cfg.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "hunter2", cfg.SigningSecret)
	assert.Equal(t, 500*time.Millisecond, cfg.BackpressureLatency)
	assert.Equal(t, "sqlite", cfg.GraphBackend)
	assert.Equal(t, 2, cfg.WorkerLanes)
	assert.Equal(t, 30*time.Minute, cfg.MaintInterval)
	assert.False(t, cfg.PublishEnabled)
	assert.False(t, cfg.TransparencyEnabled)
	assert.InDelta(t, 25.5, cfg.PerfBudget, 0.001)
	assert.Equal(t, 48*time.Hour, cfg.StreamMaxAge)
	assert.EqualValues(t, 5000, cfg.StreamMaxMsgs)
	assert.Equal(t, 72*time.Hour, cfg.DedupRetention)
}

// TestLoad_MalformedValuesFallBack verifies unparseable values keep defaults
// instead of panicking or zeroing knobs.
func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("BODY_MAX_BYTES", "a-lot")
	t.Setenv("INGRESS_BACKPRESSURE_MS", "-1")
	t.Setenv("MAINT_INTERVAL", "yearly")
	t.Setenv("SLO_MONITORING_ENABLED", "yes please")

	cfg := config.Load()

	assert.EqualValues(t, 1<<20, cfg.BodyMaxBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.BackpressureLatency)
	assert.Equal(t, time.Hour, cfg.MaintInterval)
	assert.True(t, cfg.SLOEnabled)
}

func TestValidate(t *testing.T) {
	t.Setenv("SIGNING_SECRET", "hunter2")
	cfg := config.Load()
	assert.NoError(t, cfg.Validate())

	cfg.SigningSecret = ""
	assert.ErrorContains(t, cfg.Validate(), "SIGNING_SECRET")

	cfg.SigningSecret = "hunter2"
	cfg.GraphBackend = "oracle"
	assert.ErrorContains(t, cfg.Validate(), "GRAPH_BACKEND")

	cfg.GraphBackend = "sqlite"
	cfg.WorkerLanes = 0
	assert.ErrorContains(t, cfg.Validate(), "WORKER_LANES")
}
