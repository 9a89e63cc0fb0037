// Package config loads runtime configuration from environment variables,
// 12-factor style. Every knob has a safe development default; only the
// signing secret is mandatory for serving.
package config

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds the full runtime configuration.
type Config struct {
	// HTTP surface.
	Addr         string
	CORSOrigins  []string
	JWTSecret    string
	BodyMaxBytes int64

	// Ingress.
	SigningSecret       string
	BackpressureLatency time.Duration
	MaxPending          int64

	// Backends.
	StreamURL    string
	DatabaseURL  string
	GraphBackend string // "postgres" | "sqlite"
	SinkURL      string

	// Stream retention.
	StreamMaxAge   time.Duration
	StreamMaxMsgs  int64
	StreamMaxBytes int64

	// Dedup ledger retention.
	DedupRetention time.Duration

	// Policy and ownership.
	PolicyBundleDir   string
	OwnersPatternFile string

	// Risk scoring.
	SizeThreshold int
	MaxFiles      int
	PerfBudget    float64

	// Workflow.
	WorkerLanes      int
	ActivityTimeout  time.Duration
	WorkflowDeadline time.Duration
	OwnersDebounce   time.Duration
	MaintInterval    time.Duration
	Timezone         string

	// Observability.
	LogLevel        string
	OTLPEndpoint    string
	FreshnessTarget time.Duration
	RedactExtra     []string

	// Feature flags.
	PublishEnabled      bool
	GraphAPIEnabled     bool
	MermaidEnabled      bool
	TransparencyEnabled bool
	SLOEnabled          bool
	ChaosEnabled        bool
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Addr:         getEnv("ADDR", ":8080"),
		CORSOrigins:  getList("CORS_ORIGINS"),
		JWTSecret:    os.Getenv("GRAPH_API_JWT_SECRET"),
		BodyMaxBytes: getInt64("BODY_MAX_BYTES", 1<<20),

		SigningSecret:       os.Getenv("SIGNING_SECRET"),
		BackpressureLatency: getMillis("INGRESS_BACKPRESSURE_MS", 250*time.Millisecond),
		MaxPending:          getInt64("INGRESS_MAX_PENDING", 10_000),

		StreamURL:    getEnv("STREAM_URL", "redis://localhost:6379"),
		DatabaseURL:  getEnv("DB_URL", "postgres://gitguard@localhost:5432/gitguard?sslmode=disable"),
		GraphBackend: getEnv("GRAPH_BACKEND", "postgres"),
		SinkURL:      getEnv("SINK_URL", "./portal"),

		StreamMaxAge:   getDuration("STREAM_MAX_AGE", 7*24*time.Hour),
		StreamMaxMsgs:  getInt64("STREAM_MAX_MSGS", 100_000),
		StreamMaxBytes: getInt64("STREAM_MAX_BYTES", 0),

		DedupRetention: getDuration("DEDUP_RETENTION", 14*24*time.Hour),

		PolicyBundleDir:   getEnv("POLICY_BUNDLE_DIR", "./policies"),
		OwnersPatternFile: getEnv("OWNERS_PATTERN_FILE", "./OWNERS.yaml"),

		SizeThreshold: getInt("SIZE_THRESHOLD", 800),
		MaxFiles:      getInt("MAX_FILES", 50),
		PerfBudget:    getFloat("PERF_BUDGET", 40),

		WorkerLanes:      getInt("WORKER_LANES", runtime.NumCPU()*4),
		ActivityTimeout:  getMillis("ACTIVITY_TIMEOUT_MS", 30*time.Second),
		WorkflowDeadline: getMillis("WORKFLOW_DEADLINE_MS", 10*time.Minute),
		OwnersDebounce:   getMillis("OWNERS_DEBOUNCE_MS", 10*time.Second),
		MaintInterval:    getDuration("MAINT_INTERVAL", time.Hour),
		Timezone:         getEnv("TZ_POLICY", "UTC"),

		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		FreshnessTarget: getMillis("SLO_FRESHNESS_TARGET_MS", 180*time.Second),
		RedactExtra:     getList("REDACT_EXTRA_PATTERNS"),

		PublishEnabled:      getBool("CORE_PUBLISH_ENABLED", true),
		GraphAPIEnabled:     getBool("GRAPH_API_ENABLED", true),
		MermaidEnabled:      getBool("MERMAID_GRAPHS_ENABLED", true),
		TransparencyEnabled: getBool("POLICY_TRANSPARENCY_ENABLED", true),
		SLOEnabled:          getBool("SLO_MONITORING_ENABLED", true),
		ChaosEnabled:        getBool("CHAOS_HOOKS_ENABLED", false),
	}
}

// Validate checks the invariants a serving process depends on. Missing
// configuration here is fatal at startup, never at request time.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return errors.New("SIGNING_SECRET is required")
	}
	if c.GraphBackend != "postgres" && c.GraphBackend != "sqlite" {
		return errors.New("GRAPH_BACKEND must be postgres or sqlite")
	}
	if c.WorkerLanes < 1 {
		return errors.New("WORKER_LANES must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getMillis reads an integer millisecond knob.
func getMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

// getDuration reads a Go duration string knob ("1h30m").
func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
