package repo

import (
	"context"
	"fmt"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Sprint groups tasks under an epic (or stands alone for ad-hoc work).
type Sprint struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	EpicID   string `json:"epic_id,omitempty"`
	SprintID string `json:"sprint_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Progress int64  `json:"progress,omitempty"`
	Content  string `json:"content,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Goal     string `json:"goal,omitempty"`
}

// UpsertSprint creates or updates a Sprint and links it to its parent
// Epic when one is derivable. The epic_id is derived from the id even
// if the caller omitted it; when both are supplied and disagree, the
// caller's value wins and a warning is logged.
func (r *Repository) UpsertSprint(ctx context.Context, tenant string, sprint *Sprint, principal string) (*UpsertResult, error) {
	if sprint.ID == "" {
		return nil, apperr.Validation("sprint id is required")
	}
	if !ValidSprintID(sprint.ID) {
		return nil, apperr.Validation("sprint id %q must match e<NNN>_s<NN> or adhoc_<YYMMDD>_s<NN>", sprint.ID)
	}

	epicID := sprint.EpicID
	if derived, ok := DeriveEpicID(sprint.ID); ok {
		if epicID == "" {
			epicID = derived
		} else if epicID != derived {
			r.logger.Warn("sprint epic_id disagrees with id-derived value; caller wins",
				"sprint_id", sprint.ID, "epic_id", epicID, "derived", derived)
		}
	}

	props := map[string]any{}
	setIfNonEmpty(props, "title", sprint.Title)
	setIfNonEmpty(props, "epic_id", epicID)
	setIfNonEmpty(props, "sprint_id", sprint.SprintID)
	setIfNonEmpty(props, "status", sprint.Status)
	setIfNonEmpty(props, "content", sprint.Content)
	setIfNonEmpty(props, "summary", sprint.Summary)
	setIfNonEmpty(props, "goal", sprint.Goal)
	if sprint.Progress > 0 {
		props["progress"] = sprint.Progress
	}

	result := &UpsertResult{ID: sprint.ID}
	err := r.q.WithWriteTx(ctx, func(tx graph.Tx) error {
		created, err := r.upsertNode(ctx, tx, "Sprint", tenant, sprint.ID, principal, props)
		if err != nil {
			return err
		}
		result.Created = created
		if created {
			result.NodesCreated = 1
		}

		if epicID == "" {
			return nil
		}
		// Link to the parent Epic if it exists in the tenant. Both
		// directions are kept: Epic CONTAINS Sprint, Sprint BELONGS_TO
		// Epic. Either edge may pre-exist independently, so each one
		// carries its own created flag.
		query := fmt.Sprintf(`
MATCH (s:Sprint {id: $sprintId}) WHERE %s
MATCH (e:Epic {id: $epicId}) WHERE %s
MERGE (s)-[b:BELONGS_TO]->(e)
ON CREATE SET b.__created = true
ON MATCH SET b.__created = false
MERGE (e)-[c:CONTAINS]->(s)
ON CREATE SET c.__created = true
ON MATCH SET c.__created = false
WITH b, c, b.__created AS belongsCreated, c.__created AS containsCreated
REMOVE b.__created, c.__created
RETURN belongsCreated, containsCreated`, graph.TenantClause("s"), graph.TenantClause("e"))
		rows, err := tx.Run(ctx, query, map[string]any{
			"sprintId": sprint.ID,
			"epicId":   epicID,
			"graphId":  tenant,
		})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if graph.AsBool(rows[0]["belongsCreated"]) {
				result.RelsCreated++
			}
			if graph.AsBool(rows[0]["containsCreated"]) {
				result.RelsCreated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
