// Package repo implements the typed node repository: tenant-scoped
// upserts with authorship tracking, reads, list-with-filters, and
// relationship management. Every write follows a single MERGE template
// that encodes the authorship-monotonicity and dual-tenant-property
// invariants.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Repository provides typed operations over the graph gateway.
type Repository struct {
	q      graph.Querier
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Repository.
func New(q graph.Querier, logger *slog.Logger) *Repository {
	return &Repository{q: q, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// UpsertResult reports the outcome of a typed upsert.
type UpsertResult struct {
	ID           string `json:"id"`
	Created      bool   `json:"created"`
	NodesCreated int    `json:"nodesCreated"`
	RelsCreated  int    `json:"relationshipsCreated"`
}

// upsertQuery is the shared write template. MERGE on (id, graph_id)
// gives node-level uniqueness; createdBy/createdAt are set exactly once
// while updatedBy/updatedAt and both tenant spellings converge on every
// write.
func upsertQuery(label string) string {
	return fmt.Sprintf(`
MERGE (n:%s {id: $id, graph_id: $graphId})
ON CREATE SET n.createdAt = $now, n.createdBy = $principal, n.__created = true
ON MATCH SET n.__created = false
SET n += $props, n.graphId = $graphId, n.updatedAt = $now, n.updatedBy = $principal
WITH n, n.__created AS created
REMOVE n.__created
RETURN created, n`, label)
}

// upsertNode runs the write template inside tx and returns whether the
// node was created.
func (r *Repository) upsertNode(ctx context.Context, tx graph.Tx, label, tenant, id, principal string, props map[string]any) (bool, error) {
	if !graph.ValidLabel(label) {
		return false, apperr.Validation("unknown node label %q", label)
	}
	rows, err := tx.Run(ctx, upsertQuery(label), map[string]any{
		"id":        id,
		"graphId":   tenant,
		"principal": principal,
		"now":       graph.FormatTime(r.now()),
		"props":     props,
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, apperr.Internal(nil, "upsert of %s %s returned no rows", label, id)
	}
	return graph.AsBool(rows[0]["created"]), nil
}

// mergeRelationship creates the relationship if absent, preserving any
// existing edge of the same type between the endpoints.
func (r *Repository) mergeRelationship(ctx context.Context, tx graph.Tx, relType string, query string, params map[string]any) (bool, error) {
	if !graph.ValidRelType(relType) {
		return false, apperr.Validation("unknown relationship type %q", relType)
	}
	rows, err := tx.Run(ctx, query, params)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return graph.AsBool(rows[0]["created"]), nil
}
