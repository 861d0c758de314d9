// Package migrate holds the backfill migrations and the title and
// duplicate cleanup. Every operation supports dry-run; apply-mode
// cleanup additionally requires the confirmation token and an
// admin-allowlisted principal.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/dedup"
	"github.com/emergent-company/graphkb/internal/graph"
	"github.com/emergent-company/graphkb/internal/repo"
)

// ConfirmToken must accompany every apply-mode cleanup request.
const ConfirmToken = "CLEANUP_CONFIRMED"

// Cleanup actions.
const (
	ActionTitles     = "titles"
	ActionDuplicates = "duplicates"
	ActionAll        = "all"
)

// Result counts one migration's outcome.
type Result struct {
	Name     string   `json:"name"`
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Errors   int      `json:"errors"`
	Details  []string `json:"details,omitempty"`
}

// Report aggregates a run.
type Report struct {
	DryRun  bool     `json:"dryRun"`
	Results []Result `json:"results"`
}

// Runner executes migrations and cleanups within one tenant.
type Runner struct {
	q      graph.Querier
	recon  *dedup.Reconciler
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Runner.
func New(q graph.Querier, recon *dedup.Reconciler, cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{q: q, recon: recon, cfg: cfg, logger: logger, now: time.Now}
}

// backfill pairs a count query (dry-run) with an apply query returning
// the number of rows changed as `n`, plus a skip query counting rows
// already in the migrated state. All take $graphId.
type backfill struct {
	name       string
	countQuery string
	applyQuery string
	skipQuery  string
}

// The backfills are ordered: later ones assume earlier ones ran.
// Each is idempotent; a second run migrates zero rows.
var backfills = []backfill{
	{
		name: "M009_roadmap_props",
		countQuery: `
MATCH (e:Epic) WHERE (e.graph_id = $graphId OR e.graphId = $graphId)
  AND (e.roadmap_lane IS NULL OR e.roadmap_order IS NULL)
RETURN count(e) AS n`,
		applyQuery: `
MATCH (e:Epic) WHERE (e.graph_id = $graphId OR e.graphId = $graphId)
  AND (e.roadmap_lane IS NULL OR e.roadmap_order IS NULL)
SET e.roadmap_lane = coalesce(e.roadmap_lane, 'backlog'),
    e.roadmap_order = coalesce(e.roadmap_order, 0)
RETURN count(e) AS n`,
		skipQuery: `
MATCH (e:Epic) WHERE (e.graph_id = $graphId OR e.graphId = $graphId)
  AND e.roadmap_lane IS NOT NULL AND e.roadmap_order IS NOT NULL
RETURN count(e) AS n`,
	},
	{
		name: "M010_epic_graph_id",
		countQuery: `
MATCH (e:Epic) WHERE (e.graph_id = $graphId OR e.graphId = $graphId)
  AND (e.graph_id IS NULL OR e.graphId IS NULL)
RETURN count(e) AS n`,
		applyQuery: `
MATCH (e:Epic) WHERE (e.graph_id = $graphId OR e.graphId = $graphId)
  AND (e.graph_id IS NULL OR e.graphId IS NULL)
SET e.graph_id = $graphId, e.graphId = $graphId
RETURN count(e) AS n`,
		skipQuery: `
MATCH (e:Epic) WHERE (e.graph_id = $graphId OR e.graphId = $graphId)
  AND e.graph_id IS NOT NULL AND e.graphId IS NOT NULL
RETURN count(e) AS n`,
	},
	{
		name: "M013_default_status",
		countQuery: `
MATCH (n) WHERE (n:Epic OR n:Sprint OR n:Task)
  AND (n.graph_id = $graphId OR n.graphId = $graphId)
  AND n.status IS NULL
RETURN count(n) AS n`,
		applyQuery: `
MATCH (n) WHERE (n:Epic OR n:Sprint OR n:Task)
  AND (n.graph_id = $graphId OR n.graphId = $graphId)
  AND n.status IS NULL
SET n.status = 'active'
RETURN count(n) AS n`,
		skipQuery: `
MATCH (n) WHERE (n:Epic OR n:Sprint OR n:Task)
  AND (n.graph_id = $graphId OR n.graphId = $graphId)
  AND n.status IS NOT NULL
RETURN count(n) AS n`,
	},
	{
		name: "M014_goal_to_content",
		countQuery: `
MATCH (s:Sprint) WHERE (s.graph_id = $graphId OR s.graphId = $graphId)
  AND s.goal IS NOT NULL AND s.content IS NULL
RETURN count(s) AS n`,
		applyQuery: `
MATCH (s:Sprint) WHERE (s.graph_id = $graphId OR s.graphId = $graphId)
  AND s.goal IS NOT NULL AND s.content IS NULL
SET s.content = s.goal
RETURN count(s) AS n`,
		skipQuery: `
MATCH (s:Sprint) WHERE (s.graph_id = $graphId OR s.graphId = $graphId)
  AND s.goal IS NOT NULL AND s.content IS NOT NULL
RETURN count(s) AS n`,
	},
}

// RunBackfills executes every backfill migration in order. Dry-run
// reports the rows each would touch without writing.
func (r *Runner) RunBackfills(ctx context.Context, tenant string, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}
	for _, m := range backfills {
		skipped, err := r.countRows(ctx, tenant, m.skipQuery)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.name, err)
		}
		query := m.applyQuery
		if dryRun {
			query = m.countQuery
		}
		n, err := r.countRows(ctx, tenant, query)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.name, err)
		}
		report.Results = append(report.Results, Result{Name: m.name, Migrated: n, Skipped: skipped})
		r.logger.Info("migration ran", "name", m.name, "dry_run", dryRun, "migrated", n, "skipped", skipped)
	}

	epicIDs, err := r.backfillEpicIDs(ctx, tenant, dryRun)
	if err != nil {
		return nil, err
	}
	report.Results = append(report.Results, *epicIDs)
	return report, nil
}

// countRows runs a query returning a single `n` column.
func (r *Runner) countRows(ctx context.Context, tenant, query string) (int, error) {
	rows, err := r.q.Execute(ctx, query, map[string]any{"graphId": tenant})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(graph.AsInt64(rows[0]["n"])), nil
}

// backfillEpicIDs is M011: derive epic_id from structured sprint/task
// ids and mirror the tenant property. Derivation is Go-side regexp
// work, so this one cannot be a single Cypher statement.
func (r *Runner) backfillEpicIDs(ctx context.Context, tenant string, dryRun bool) (*Result, error) {
	result := &Result{Name: "M011_epic_id"}
	rows, err := r.q.Execute(ctx, `
MATCH (n) WHERE (n:Sprint OR n:Task)
  AND (n.graph_id = $graphId OR n.graphId = $graphId)
  AND n.epic_id IS NULL
RETURN elementId(n) AS elem, n.id AS id`, map[string]any{"graphId": tenant})
	if err != nil {
		return nil, fmt.Errorf("migration %s: %w", result.Name, err)
	}

	for _, row := range rows {
		id := graph.AsString(row["id"])
		epicID, ok := repo.DeriveEpicID(id)
		if !ok {
			result.Skipped++
			continue
		}
		if dryRun {
			result.Migrated++
			continue
		}
		_, err := r.q.Execute(ctx, `
MATCH (n) WHERE elementId(n) = $elem
SET n.epic_id = $epicId, n.graph_id = $graphId, n.graphId = $graphId
RETURN n.id AS id`, map[string]any{
			"elem": graph.AsString(row["elem"]), "epicId": epicID, "graphId": tenant,
		})
		if err != nil {
			result.Errors++
			r.logger.Warn("epic_id backfill failed", "node_id", id, "error", err)
			continue
		}
		result.Migrated++
	}
	r.logger.Info("migration ran", "name", result.Name, "dry_run", dryRun,
		"migrated", result.Migrated, "skipped", result.Skipped, "errors", result.Errors)
	return result, nil
}

// CleanupTitles repairs malformed titles on Sprint, Task, and Epic
// nodes. Only title and name are written; relationships are never
// touched.
func (r *Runner) CleanupTitles(ctx context.Context, tenant string, dryRun bool) (*Result, error) {
	result := &Result{Name: "title_cleanup"}
	rows, err := r.q.Execute(ctx, `
MATCH (n) WHERE (n:Sprint OR n:Task OR n:Epic)
  AND (n.graph_id = $graphId OR n.graphId = $graphId)
RETURN elementId(n) AS elem, n.id AS id, coalesce(n.title, n.name, '') AS title`,
		map[string]any{"graphId": tenant})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		title := graph.AsString(row["title"])
		if !MalformedTitle(title) {
			result.Skipped++
			continue
		}
		id := graph.AsString(row["id"])
		repaired, ok := ExtractTitle(title)
		if !ok {
			repaired, ok = repo.FallbackTitle(id)
		}
		if !ok {
			result.Skipped++
			result.Details = append(result.Details, fmt.Sprintf("%s: malformed title, no repair available", id))
			continue
		}
		if dryRun {
			result.Migrated++
			result.Details = append(result.Details, fmt.Sprintf("%s: %q -> %q", id, title, repaired))
			continue
		}
		_, err := r.q.Execute(ctx, `
MATCH (n) WHERE elementId(n) = $elem
SET n.title = $title, n.name = $title
RETURN n.id AS id`, map[string]any{"elem": graph.AsString(row["elem"]), "title": repaired})
		if err != nil {
			result.Errors++
			r.logger.Warn("title repair failed", "node_id", id, "error", err)
			continue
		}
		result.Migrated++
	}
	return result, nil
}

// CleanupReport aggregates a cleanup run, including the duplicate
// reconciliation report when that action was requested.
type CleanupReport struct {
	DryRun     bool          `json:"dryRun"`
	Titles     *Result       `json:"titles,omitempty"`
	Duplicates *dedup.Report `json:"duplicates,omitempty"`
}

// Cleanup runs the requested cleanup action. Apply mode requires the
// confirmation token and an allowlisted principal; dry-run requires
// neither.
func (r *Runner) Cleanup(ctx context.Context, tenant, principal, action string, dryRun bool, confirm string) (*CleanupReport, error) {
	switch action {
	case ActionTitles, ActionDuplicates, ActionAll:
	default:
		return nil, apperr.Validation("unknown cleanup action %q", action)
	}
	if !dryRun {
		if confirm != ConfirmToken {
			return nil, apperr.Validation("apply mode requires confirm=%s", ConfirmToken)
		}
		if !r.cfg.IsAdmin(principal) {
			return nil, apperr.Forbidden("principal %s is not allowed to apply cleanups", principal)
		}
	}

	report := &CleanupReport{DryRun: dryRun}
	if action == ActionTitles || action == ActionAll {
		titles, err := r.CleanupTitles(ctx, tenant, dryRun)
		if err != nil {
			return nil, err
		}
		report.Titles = titles
	}
	if action == ActionDuplicates || action == ActionAll {
		dups, err := r.recon.Reconcile(ctx, tenant, nil, dryRun)
		if err != nil {
			return nil, err
		}
		report.Duplicates = dups
	}
	r.logger.Info("cleanup ran", "action", action, "dry_run", dryRun, "principal", principal)
	return report, nil
}
