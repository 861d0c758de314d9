package repo

import (
	"context"
	"fmt"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Task is the unit of work inside a sprint.
type Task struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	SprintID      string `json:"sprint_id"`
	EpicID        string `json:"epic_id,omitempty"`
	Status        string `json:"status,omitempty"` // not_started, in_progress, blocked, complete
	BlockedReason string `json:"blocked_reason,omitempty"`
	Owner         string `json:"owner,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	Content       string `json:"content,omitempty"`
}

var taskStatuses = map[string]struct{}{"": {}, "not_started": {}, "in_progress": {}, "blocked": {}, "complete": {}}

// UpsertTask creates or updates a Task and guarantees its single
// CONTAINS edge from the owning Sprint.
func (r *Repository) UpsertTask(ctx context.Context, tenant string, task *Task, principal string) (*UpsertResult, error) {
	if task.ID == "" {
		return nil, apperr.Validation("task id is required")
	}
	if task.SprintID == "" {
		return nil, apperr.Validation("task sprint_id is required")
	}
	if _, ok := taskStatuses[task.Status]; !ok {
		return nil, apperr.Validation("invalid task status %q", task.Status)
	}

	epicID := task.EpicID
	if derived, ok := DeriveEpicID(task.SprintID); ok && epicID == "" {
		epicID = derived
	}

	props := map[string]any{
		"sprint_id": task.SprintID,
	}
	setIfNonEmpty(props, "title", task.Title)
	setIfNonEmpty(props, "epic_id", epicID)
	setIfNonEmpty(props, "status", task.Status)
	setIfNonEmpty(props, "blocked_reason", task.BlockedReason)
	setIfNonEmpty(props, "owner", task.Owner)
	setIfNonEmpty(props, "completed_at", task.CompletedAt)
	setIfNonEmpty(props, "content", task.Content)

	result := &UpsertResult{ID: task.ID}
	err := r.q.WithWriteTx(ctx, func(tx graph.Tx) error {
		created, err := r.upsertNode(ctx, tx, "Task", tenant, task.ID, principal, props)
		if err != nil {
			return err
		}
		result.Created = created
		if created {
			result.NodesCreated = 1
		}

		query := fmt.Sprintf(`
MATCH (s:Sprint {id: $sprintId}) WHERE %s
MATCH (t:Task {id: $taskId}) WHERE %s
MERGE (s)-[c:CONTAINS]->(t)
ON CREATE SET c.__created = true
ON MATCH SET c.__created = false
WITH c, c.__created AS created
REMOVE c.__created
RETURN created`, graph.TenantClause("s"), graph.TenantClause("t"))
		relCreated, err := r.mergeRelationship(ctx, tx, "CONTAINS", query, map[string]any{
			"sprintId": task.SprintID,
			"taskId":   task.ID,
			"graphId":  tenant,
		})
		if err != nil {
			return err
		}
		if relCreated {
			result.RelsCreated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetNextTask points the sprint's NEXT_TASK marker at the given task,
// replacing any previous marker.
func (r *Repository) SetNextTask(ctx context.Context, tenant, sprintID, taskID string) error {
	query := fmt.Sprintf(`
MATCH (s:Sprint {id: $sprintId}) WHERE %s
OPTIONAL MATCH (s)-[old:NEXT_TASK]->(:Task)
DELETE old
WITH DISTINCT s
MATCH (t:Task {id: $taskId}) WHERE %s
MERGE (s)-[:NEXT_TASK]->(t)
RETURN t.id AS id`, graph.TenantClause("s"), graph.TenantClause("t"))
	rows, err := r.q.Execute(ctx, query, map[string]any{
		"sprintId": sprintID,
		"taskId":   taskID,
		"graphId":  tenant,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apperr.NotFound("sprint %s or task %s not found in tenant", sprintID, taskID)
	}
	return nil
}
