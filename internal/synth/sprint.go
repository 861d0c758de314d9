package synth

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/graphkb/internal/graph"
)

// resolveActiveSprint runs the three-strategy cascade:
//
//	A — the caller's preferred sprint, when given and it exists;
//	B — the most recently active incomplete sprint whose epic is still
//	    on the roadmap and that has work left;
//	C — the newest sprint of any status, as a last resort.
//
// The selected sprint is hydrated with its epic, tasks, and current
// task. A nil result with a nil error means the tenant has no sprints.
func (s *Synthesizer) resolveActiveSprint(ctx context.Context, tenant, preferredID string) (*SprintContext, error) {
	if preferredID != "" {
		sc, err := s.loadSprint(ctx, tenant, preferredID)
		if err != nil {
			return nil, err
		}
		if sc != nil {
			return sc, nil
		}
		// Preferred sprint not found; fall through to strategy B.
	}

	id, err := s.selectWorkingSprint(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id, err = s.selectNewestSprint(ctx, tenant)
		if err != nil {
			return nil, err
		}
	}
	if id == "" {
		return nil, nil
	}
	return s.loadSprint(ctx, tenant, id)
}

// selectWorkingSprint is strategy B: incomplete sprint, epic not in a
// terminal roadmap lane, at least one incomplete task; prefer sprints
// with recent task activity.
func (s *Synthesizer) selectWorkingSprint(ctx context.Context, tenant string) (string, error) {
	query := fmt.Sprintf(`
MATCH (s:Sprint) WHERE %s AND coalesce(s.status, '') <> 'complete'
OPTIONAL MATCH (s)-[:BELONGS_TO]->(ep:Epic)
WITH s, ep
WHERE ep IS NULL OR NOT coalesce(ep.roadmap_lane, '') IN ['done', 'dropped']
MATCH (s)-[:CONTAINS]->(t:Task)
WITH s, collect(coalesce(t.status, '')) AS statuses, max(t.updatedAt) AS lastActivity
WHERE any(st IN statuses WHERE st <> 'complete')
RETURN s.id AS id
ORDER BY CASE WHEN lastActivity IS NULL THEN 1 ELSE 0 END, lastActivity DESC
LIMIT 1`, graph.TenantClause("s"))
	rows, err := s.q.Execute(ctx, query, map[string]any{"graphId": tenant})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return graph.AsString(rows[0]["id"]), nil
}

// selectNewestSprint is strategy C.
func (s *Synthesizer) selectNewestSprint(ctx context.Context, tenant string) (string, error) {
	query := fmt.Sprintf(`
MATCH (s:Sprint) WHERE %s
RETURN s.id AS id
ORDER BY s.createdAt DESC
LIMIT 1`, graph.TenantClause("s"))
	rows, err := s.q.Execute(ctx, query, map[string]any{"graphId": tenant})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return graph.AsString(rows[0]["id"]), nil
}

// loadSprint hydrates a sprint with its epic, tasks in insertion
// order, and NEXT_TASK pointer. Returns nil when the sprint does not
// exist in the tenant.
func (s *Synthesizer) loadSprint(ctx context.Context, tenant, sprintID string) (*SprintContext, error) {
	query := fmt.Sprintf(`
MATCH (s:Sprint {id: $sprintId}) WHERE %s
OPTIONAL MATCH (s)-[:BELONGS_TO]->(ep:Epic)
OPTIONAL MATCH (s)-[:NEXT_TASK]->(next:Task)
OPTIONAL MATCH (s)-[:CONTAINS]->(t:Task)
WITH s, ep, next, t ORDER BY t.createdAt ASC, t.id ASC
RETURN s, ep, next, collect(t) AS tasks`, graph.TenantClause("s"))
	rows, err := s.q.Execute(ctx, query, map[string]any{"sprintId": sprintID, "graphId": tenant})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	sprint, ok := graph.AsNode(row["s"])
	if !ok {
		return nil, nil
	}

	sc := &SprintContext{Sprint: sprint, Tasks: []graph.Node{}}
	if ep, ok := graph.AsNode(row["ep"]); ok {
		sc.Epic = &ep
	}
	if tasks, ok := row["tasks"].([]any); ok {
		for _, item := range tasks {
			if t, ok := graph.AsNode(item); ok {
				sc.Tasks = append(sc.Tasks, t)
			}
		}
	}
	if next, ok := graph.AsNode(row["next"]); ok {
		sc.CurrentTask = newTaskContext(next)
	} else if t := firstWorkableTask(sc.Tasks); t != nil {
		sc.CurrentTask = newTaskContext(*t)
	}
	return sc, nil
}

// firstWorkableTask returns the first task neither complete nor
// blocked, in insertion order.
func firstWorkableTask(tasks []graph.Node) *graph.Node {
	for i := range tasks {
		status := graph.AsString(tasks[i].Props["status"])
		if status != "complete" && status != "blocked" {
			return &tasks[i]
		}
	}
	return nil
}

// enrichCurrentTask loads patterns, gotchas, and ADR constraints for
// the current task, in parallel. Failures leave the section empty.
func (s *Synthesizer) enrichCurrentTask(ctx context.Context, tenant string, cur *TaskContext) {
	taskID := graph.AsString(cur.Task.Props["id"])
	if taskID == "" {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nodes, err := s.taskNeighbors(gctx, tenant, taskID, "APPLIES_PATTERN", "Pattern",
			"ORDER BY n.confidenceScore DESC")
		if err != nil {
			s.logger.Warn("session-start: pattern enrichment failed", "task_id", taskID, "error", err)
			return nil
		}
		cur.Patterns = nodes
		return nil
	})
	g.Go(func() error {
		nodes, err := s.taskNeighbors(gctx, tenant, taskID, "AVOID_GOTCHA", "Gotcha", `
ORDER BY CASE n.severity
  WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3
END, n.confidenceScore DESC`)
		if err != nil {
			s.logger.Warn("session-start: gotcha enrichment failed", "task_id", taskID, "error", err)
			return nil
		}
		cur.Gotchas = nodes
		return nil
	})
	g.Go(func() error {
		nodes, err := s.taskNeighbors(gctx, tenant, taskID, "MUST_FOLLOW", "ADR", "")
		if err != nil {
			s.logger.Warn("session-start: constraint enrichment failed", "task_id", taskID, "error", err)
			return nil
		}
		cur.Constraints = nodes
		return nil
	})
	_ = g.Wait()
}

// taskNeighbors follows one whitelisted relationship type from the
// task to nodes of one label. relType and label are compile-time
// constants at every call site, never caller input.
func (s *Synthesizer) taskNeighbors(ctx context.Context, tenant, taskID, relType, label, orderBy string) ([]graph.Node, error) {
	if !graph.ValidRelType(relType) || !graph.ValidLabel(label) {
		return nil, fmt.Errorf("unknown traversal %s->%s", relType, label)
	}
	query := fmt.Sprintf(`
MATCH (t:Task {id: $taskId})-[:%s]->(n:%s)
WHERE %s AND %s
RETURN n
%s`, relType, label, graph.TenantClause("t"), graph.TenantClause("n"), orderBy)
	rows, err := s.q.Execute(ctx, query, map[string]any{"taskId": taskID, "graphId": tenant})
	if err != nil {
		return nil, err
	}
	nodes := make([]graph.Node, 0, len(rows))
	for _, row := range rows {
		if n, ok := graph.AsNode(row["n"]); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}
