// Package graph owns access to the Neo4j store. It exposes parametric
// query execution with normalized results, scoped read/write
// transactions, and the tenant-scoping helpers every query in the
// service builds on. All value normalization happens here; downstream
// packages never type-assert driver values directly.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/emergent-company/graphkb/internal/apperr"
)

// Record is one result row with values already normalized.
type Record map[string]any

// Tx runs queries inside a single managed transaction.
type Tx interface {
	Run(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// Querier is the query surface consumed by repositories and services.
// Execute auto-commits a single query; WithReadTx and WithWriteTx scope
// a transaction and guarantee release on every exit path.
type Querier interface {
	Execute(ctx context.Context, query string, params map[string]any) ([]Record, error)
	WithReadTx(ctx context.Context, fn func(tx Tx) error) error
	WithWriteTx(ctx context.Context, fn func(tx Tx) error) error
}

// Gateway implements Querier over a shared Neo4j driver. One Gateway is
// created at startup and injected everywhere; the driver maintains the
// bounded connection pool.
type Gateway struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewGateway connects a driver with the given pool size. The driver is
// lazy; call VerifyConnectivity to probe liveness.
func NewGateway(uri, username, password, database string, poolSize int, logger *slog.Logger) (*Gateway, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = poolSize
	})
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	return &Gateway{driver: driver, database: database, logger: logger}, nil
}

// Close releases the driver and its pool.
func (g *Gateway) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// VerifyConnectivity probes the store. Used by health endpoints and the
// scheduler's liveness job.
func (g *Gateway) VerifyConnectivity(ctx context.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return apperr.Unavailable(err, "graph store unreachable")
	}
	return nil
}

// Execute runs a single auto-committed query and returns normalized
// rows. An empty result is not an error; callers decide whether absence
// is permitted.
func (g *Gateway) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: g.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classify(err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return normalizeRecords(records), nil
}

// WithReadTx runs fn inside a managed read transaction.
func (g *Gateway) WithReadTx(ctx context.Context, fn func(tx Tx) error) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: g.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&managedTx{tx: mtx})
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// WithWriteTx runs fn inside a managed write transaction. The write
// transaction holds one pooled connection for its duration; readers
// never observe a half-applied fn.
func (g *Gateway) WithWriteTx(ctx context.Context, fn func(tx Tx) error) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: g.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&managedTx{tx: mtx})
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

type managedTx struct {
	tx neo4j.ManagedTransaction
}

func (t *managedTx) Run(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	result, err := t.tx.Run(ctx, query, params)
	if err != nil {
		return nil, classify(err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return normalizeRecords(records), nil
}

func normalizeRecords(records []*neo4j.Record) []Record {
	rows := make([]Record, 0, len(records))
	for _, rec := range records {
		row := make(Record, len(rec.Keys))
		for k, v := range rec.AsMap() {
			row[k] = normalize(v)
		}
		rows = append(rows, row)
	}
	return rows
}

// classify maps driver errors to the boundary taxonomy. Connectivity
// failures are retryable Unavailable; everything else (syntax errors,
// bad parameters) is a bug surfaced as Internal. An already-classified
// error from nested application code passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	if neo4j.IsConnectivityError(err) {
		return apperr.Unavailable(err, "graph store unreachable")
	}
	return apperr.Internal(err, "graph query failed")
}
