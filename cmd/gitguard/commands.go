package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gitguard-io/gitguard/pkg/config"
	"github.com/gitguard-io/gitguard/pkg/dedup"
	"github.com/gitguard-io/gitguard/pkg/workflow"
)

// runHealthCmd probes the local server's health endpoint.
func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	addr := cfg.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		fmt.Fprintln(stderr, "health check failed:", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	if strings.Contains(string(body), `"degraded"`) {
		return 1
	}
	return 0
}

// runMaintCmd runs one retention sweep against the configured database.
func runMaintCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var (
		db  *sql.DB
		err error
	)
	switch cfg.GraphBackend {
	case "sqlite":
		db, err = sql.Open("sqlite", strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
	default:
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	}
	if err != nil {
		fmt.Fprintln(stderr, "database:", err)
		return 1
	}
	defer db.Close()

	ledger := dedup.NewPostgresLedger(db)
	checkpoints := workflow.NewSQLCheckpoints(db)

	eng := workflow.NewEngine(workflow.Config{}, workflow.Deps{
		Ledger:      ledger,
		Checkpoints: checkpoints,
		Logger:      logger,
	})
	eng.Sweep(ctx)

	fmt.Fprintln(stdout, "maintenance sweep complete")
	return 0
}
