package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	s3svc "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/gitguard-io/gitguard/pkg/api"
	"github.com/gitguard-io/gitguard/pkg/config"
	"github.com/gitguard-io/gitguard/pkg/dedup"
	"github.com/gitguard-io/gitguard/pkg/event"
	"github.com/gitguard-io/gitguard/pkg/graph"
	"github.com/gitguard-io/gitguard/pkg/observability"
	"github.com/gitguard-io/gitguard/pkg/owners"
	"github.com/gitguard-io/gitguard/pkg/policy"
	"github.com/gitguard-io/gitguard/pkg/portal"
	"github.com/gitguard-io/gitguard/pkg/redact"
	"github.com/gitguard-io/gitguard/pkg/risk"
	"github.com/gitguard-io/gitguard/pkg/stream"
	"github.com/gitguard-io/gitguard/pkg/workflow"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, store, err := openGraphStore(ctx, cfg)
	if err != nil {
		logger.Error("graph store init failed", "error", err)
		return 1
	}
	defer db.Close()

	ledger := dedup.NewPostgresLedger(db)
	if err := ledger.EnsureSchema(ctx); err != nil {
		logger.Error("dedup schema init failed", "error", err)
		return 1
	}
	checkpoints := workflow.NewSQLCheckpoints(db)
	if err := checkpoints.EnsureSchema(ctx); err != nil {
		logger.Error("checkpoint schema init failed", "error", err)
		return 1
	}

	bus, err := openStream(cfg, logger)
	if err != nil {
		logger.Error("stream init failed", "error", err)
		return 1
	}
	defer bus.Close()
	_ = obs.RegisterPendingGauge(stream.Group, func(ctx context.Context) map[string]int64 {
		out := make(map[string]int64)
		for _, subject := range event.Subjects() {
			if n, err := bus.Pending(ctx, subject); err == nil && n > 0 {
				out[subject] = n
			}
		}
		return out
	})

	policies, err := policy.NewEngine(logger)
	if err != nil {
		logger.Error("policy engine init failed", "error", err)
		return 1
	}
	if err := policies.LoadDir(cfg.PolicyBundleDir); err != nil {
		logger.Error("policy bundle load failed", "dir", cfg.PolicyBundleDir, "error", err)
		return 1
	}
	go reloadOnSIGHUP(ctx, policies, cfg.PolicyBundleDir, logger)

	ownerIx, err := owners.Load(cfg.OwnersPatternFile)
	if err != nil {
		logger.Warn("ownership patterns unavailable, owners view disabled", "file", cfg.OwnersPatternFile, "error", err)
		ownerIx, _ = owners.New(nil, nil)
	}

	redactor, err := buildRedactor(cfg.RedactExtra)
	if err != nil {
		logger.Error("redaction patterns invalid", "error", err)
		return 1
	}

	var publisher *portal.Publisher
	if cfg.PublishEnabled {
		sink, err := buildSink(ctx, cfg.SinkURL)
		if err != nil {
			logger.Error("portal sink init failed", "url", cfg.SinkURL, "error", err)
			return 1
		}
		publisher = portal.NewPublisher(sink, redactor, logger).
			WithDiagrams(cfg.MermaidEnabled).
			WithTransparency(cfg.TransparencyEnabled)
		catalog := portal.NewSQLCatalog(db)
		if err := catalog.EnsureSchema(ctx); err != nil {
			logger.Error("portal catalog schema init failed", "error", err)
			return 1
		}
		if err := publisher.WithCatalog(ctx, catalog); err != nil {
			logger.Error("portal catalog load failed", "error", err)
			return 1
		}
	} else {
		logger.Warn("portal publishing disabled by CORE_PUBLISH_ENABLED")
	}

	var slo *observability.FreshnessSLO
	if cfg.SLOEnabled {
		slo = observability.NewFreshnessSLO(logger).WithTarget(observability.FreshnessWindow, cfg.FreshnessTarget)
	}
	var faults *observability.FaultRegistry
	if cfg.ChaosEnabled {
		faults = observability.NewFaultRegistry()
	}

	eng := workflow.NewEngine(workflow.Config{
		Lanes:           cfg.WorkerLanes,
		ActivityTimeout: cfg.ActivityTimeout,
		Deadline:        cfg.WorkflowDeadline,
		OwnersDebounce:  cfg.OwnersDebounce,
		Timezone:        cfg.Timezone,
		DedupRetention:  cfg.DedupRetention,
	}, workflow.Deps{
		Stream:      bus,
		Ledger:      ledger,
		Normalizer:  event.NewNormalizer(normalizerOptions(cfg)),
		Scorer:      risk.NewScorer(riskThresholds(cfg)),
		Policies:    policies,
		Graph:       store,
		Owners:      ownerIx,
		Publisher:   publisher,
		Checkpoints: checkpoints,
		Obs:         obs,
		SLO:         slo,
		Faults:      faults,
		Logger:      logger,
	})
	go func() {
		if err := eng.Run(ctx, workflow.Subjects()); err != nil && ctx.Err() == nil {
			logger.Error("workflow engine stopped", "error", err)
		}
	}()
	go func() { _ = eng.Maintain(ctx, cfg.MaintInterval) }()

	webhook := api.NewWebhookHandler(api.WebhookConfig{
		Secret:              []byte(cfg.SigningSecret),
		BodyMaxBytes:        cfg.BodyMaxBytes,
		BackpressureLatency: cfg.BackpressureLatency,
		MaxPending:          cfg.MaxPending,
	}, ledger, bus, obs, logger)

	graphAPI := api.NewGraphAPI(store, map[string]api.HealthCheck{
		"graph_store": func(ctx context.Context) error { return db.PingContext(ctx) },
		"stream": func(ctx context.Context) error {
			_, err := bus.Pending(ctx, "gh.ping.default")
			return err
		},
		"policy_bundle": func(context.Context) error {
			if policies.BundleHash() == "" {
				return fmt.Errorf("no bundle loaded")
			}
			return nil
		},
	}, logger)

	srvCfg := api.ServerConfig{
		Addr:               cfg.Addr,
		CORSOrigins:        cfg.CORSOrigins,
		JWTSecret:          []byte(cfg.JWTSecret),
		DisableGraphRoutes: !cfg.GraphAPIEnabled,
	}
	server := api.NewServer(srvCfg, api.NewMux(srvCfg, webhook, graphAPI, obs), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openGraphStore(ctx context.Context, cfg *config.Config) (*sql.DB, *graph.SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.GraphBackend {
	case "sqlite":
		dsn := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
		db, err = sql.Open("sqlite", dsn)
	default:
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	}
	if err != nil {
		return nil, nil, err
	}

	var store *graph.SQLStore
	if cfg.GraphBackend == "sqlite" {
		store = graph.NewSQLiteStore(db)
	} else {
		store = graph.NewPostgresStore(db)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func openStream(cfg *config.Config, logger *slog.Logger) (stream.Stream, error) {
	streamOpts := stream.Options{
		MaxAge: cfg.StreamMaxAge,
		MaxLen: streamEntryBudget(cfg),
	}
	if strings.HasPrefix(cfg.StreamURL, "mem://") {
		return stream.NewMemoryStream(streamOpts, logger), nil
	}
	opts, err := redis.ParseURL(cfg.StreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse STREAM_URL: %w", err)
	}
	return stream.NewRedisStream(redis.NewClient(opts), streamOpts, logger), nil
}

// streamEntryBudget folds the byte cap into the entry cap. Redis trims
// streams by entry count, so STREAM_MAX_BYTES is converted with a
// typical webhook payload size and the stricter cap wins.
func streamEntryBudget(cfg *config.Config) int64 {
	const approxEntryBytes = 2048
	maxLen := cfg.StreamMaxMsgs
	if cfg.StreamMaxBytes > 0 {
		byEntries := cfg.StreamMaxBytes / approxEntryBytes
		if byEntries < 1 {
			byEntries = 1
		}
		if maxLen == 0 || byEntries < maxLen {
			maxLen = byEntries
		}
	}
	return maxLen
}

// buildRedactor parses REDACT_EXTRA_PATTERNS entries of the form
// "name=regex" on top of the built-in secret patterns.
func buildRedactor(extra []string) (*redact.Redactor, error) {
	if len(extra) == 0 {
		return redact.New(), nil
	}
	patterns := make(map[string]string, len(extra))
	for _, entry := range extra {
		name, expr, ok := strings.Cut(entry, "=")
		if !ok || name == "" || expr == "" {
			return nil, fmt.Errorf("malformed redact pattern %q, want name=regex", entry)
		}
		patterns[name] = expr
	}
	return redact.NewWithPatterns(patterns)
}

// buildSink constructs the portal sink for the configured URL, creating
// cloud clients only for the schemes that need them.
func buildSink(ctx context.Context, sinkURL string) (portal.Sink, error) {
	u, err := url.Parse(sinkURL)
	if err != nil {
		return nil, err
	}
	var (
		s3Client  *s3svc.Client
		gcsClient *gcstorage.Client
	)
	switch u.Scheme {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		s3Client = s3svc.NewFromConfig(awsCfg)
	case "gs":
		gcsClient, err = gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
	}
	return portal.NewSink(ctx, sinkURL, s3Client, gcsClient)
}

func normalizerOptions(cfg *config.Config) event.NormalizerOptions {
	opts := event.DefaultNormalizerOptions()
	if cfg.MaxFiles > 0 {
		opts.MaxFiles = cfg.MaxFiles
	}
	return opts
}

func riskThresholds(cfg *config.Config) risk.Thresholds {
	t := risk.DefaultThresholds()
	if cfg.SizeThreshold > 0 {
		t.SizeThreshold = cfg.SizeThreshold
	}
	if cfg.MaxFiles > 0 {
		t.MaxFiles = cfg.MaxFiles
	}
	if cfg.PerfBudget > 0 {
		t.PerfBudget = cfg.PerfBudget
	}
	return t
}

// reloadOnSIGHUP re-reads the policy bundle directory on SIGHUP. A compile
// error keeps the active bundle.
func reloadOnSIGHUP(ctx context.Context, policies *policy.Engine, dir string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policies.LoadDir(dir); err != nil {
				logger.Error("policy reload failed, keeping active bundle", "dir", dir, "error", err)
				continue
			}
			logger.Info("policy bundle reloaded", "dir", dir, "hash", policies.BundleHash())
		}
	}
}
