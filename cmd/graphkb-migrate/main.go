// Command graphkb-migrate runs the backfill migrations and data
// cleanups against a tenant without going through the HTTP API.
//
// The default mode is a dry run that prints the report as JSON.
// Apply mode needs -apply plus -confirm CLEANUP_CONFIRMED for the
// cleanup actions, and the principal must be on the admin allowlist.
//
// Usage:
//
//	GRAPHKB_NEO4J_PASSWORD=... graphkb-migrate -tenant acme -action backfills
//	GRAPHKB_NEO4J_PASSWORD=... graphkb-migrate -tenant acme -action all -apply \
//	    -confirm CLEANUP_CONFIRMED -principal usr_admin
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/dedup"
	"github.com/emergent-company/graphkb/internal/graph"
	"github.com/emergent-company/graphkb/internal/migrate"
)

const actionBackfills = "backfills"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "graphkb-migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		tenant    = flag.String("tenant", "", "tenant (graphId) to migrate")
		action    = flag.String("action", actionBackfills, "backfills, titles, duplicates, or all")
		apply     = flag.Bool("apply", false, "write changes; default is dry run")
		confirm   = flag.String("confirm", "", "confirmation token for apply-mode cleanups")
		principal = flag.String("principal", "", "acting principal for apply-mode cleanups")
	)
	flag.Parse()
	if *tenant == "" {
		return fmt.Errorf("-tenant is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway, err := graph.NewGateway(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password,
		cfg.Neo4j.Database, cfg.Neo4j.PoolSize, logger)
	if err != nil {
		return fmt.Errorf("creating graph gateway: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := gateway.Close(closeCtx); err != nil {
			logger.Warn("closing graph gateway", "error", err)
		}
	}()
	if err := gateway.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("verifying graph connectivity: %w", err)
	}

	runner := migrate.New(gateway, dedup.New(gateway, logger), cfg, logger)
	dryRun := !*apply

	var report any
	switch strings.ToLower(*action) {
	case actionBackfills:
		report, err = runner.RunBackfills(ctx, *tenant, dryRun)
	case migrate.ActionTitles, migrate.ActionDuplicates, migrate.ActionAll:
		report, err = runner.Cleanup(ctx, *tenant, *principal, strings.ToLower(*action), dryRun, *confirm)
	default:
		return fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
