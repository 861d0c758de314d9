// Command graphkb runs the knowledge-graph gateway service.
//
// It serves the versioned REST API over HTTP and delegates all
// persistence to a Neo4j-compatible graph store.
//
// Required environment variables:
//
//	GRAPHKB_NEO4J_PASSWORD     - graph store password
//	GRAPHKB_EMBEDDING_API_KEY  - embedding provider API key
//
// Optional environment variables:
//
//	GRAPHKB_NEO4J_URI          - bolt endpoint (default: bolt://localhost:7687)
//	GRAPHKB_ADDR               - listen address (default: :8080)
//	GRAPHKB_ADMIN_ALLOWLIST    - comma-separated principals allowed to apply cleanups
//	GRAPHKB_LOG_LEVEL          - log level: debug, info, warn, error (default: info)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/dedup"
	"github.com/emergent-company/graphkb/internal/dlq"
	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/graph"
	"github.com/emergent-company/graphkb/internal/httpapi"
	"github.com/emergent-company/graphkb/internal/migrate"
	"github.com/emergent-company/graphkb/internal/repo"
	"github.com/emergent-company/graphkb/internal/scheduler"
	"github.com/emergent-company/graphkb/internal/search"
	"github.com/emergent-company/graphkb/internal/synth"
	"github.com/emergent-company/graphkb/internal/verify"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "graphkb: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	version := cfg.Server.Version
	if Version != "dev" {
		version = Version
	}
	logger.Info("starting graphkb",
		"version", version,
		"neo4j_uri", cfg.Neo4j.URI,
		"addr", cfg.Server.Addr,
	)

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

	embedder := search.NewHTTPEmbedder(cfg.Embedding.URL, cfg.Embedding.APIKey,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, logger)

	repository := repo.New(gateway, logger)
	reconciler := dedup.New(gateway, logger)
	searchSvc := search.NewService(gateway, embedder, cfg.Search, logger)
	store := events.NewStore(gateway, logger)
	streamer := events.NewStreamer(store, cfg.Stream)
	synthesizer := synth.New(gateway, store, cfg.Synth, logger)
	queue := dlq.New(gateway, store, cfg.DLQ, logger)
	migrator := migrate.New(gateway, reconciler, cfg, logger)
	verifier := verify.New(gateway, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpapi.NewMetrics(registry)

	sched := scheduler.New(logger)
	sched.Add(scheduler.NewDLQSweepJob(gateway, queue, logger), cfg.DLQ.SweepInterval)
	sched.Add(scheduler.NewProbeJob(gateway, logger), time.Minute)
	sched.Start(ctx)

	server := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Repo:     repository,
		Recon:    reconciler,
		Search:   searchSvc,
		Embedder: embedder,
		Synth:    synthesizer,
		Store:    store,
		Streamer: streamer,
		Queue:    queue,
		Migrator: migrator,
		Verifier: verifier,
		Metrics:  metrics,
		Logger:   logger,
	})

	return server.ListenAndServe(ctx)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
