package repo

import (
	"context"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Epic is the roadmap-level container entity.
type Epic struct {
	ID              string   `json:"id"`
	EpicID          string   `json:"epic_id,omitempty"`
	Title           string   `json:"title"`
	Goal            string   `json:"goal,omitempty"`
	Vision          string   `json:"vision,omitempty"`
	Status          string   `json:"status,omitempty"` // active, paused, complete
	Progress        int64    `json:"progress,omitempty"`
	SuccessCriteria []string `json:"successCriteria,omitempty"`
	InScope         []string `json:"inScope,omitempty"`
	OutOfScope      []string `json:"outOfScope,omitempty"`
	RoadmapStatus   string   `json:"roadmap_status,omitempty"`
	RoadmapLane     string   `json:"roadmap_lane,omitempty"`
	Content         string   `json:"content,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

var epicStatuses = map[string]struct{}{"": {}, "active": {}, "paused": {}, "complete": {}}

// UpsertEpic creates or updates an Epic. Idempotent: repeating the call
// with the same payload changes no node counts.
func (r *Repository) UpsertEpic(ctx context.Context, tenant string, epic *Epic, principal string) (*UpsertResult, error) {
	if epic.ID == "" {
		return nil, apperr.Validation("epic id is required")
	}
	if epic.Title == "" {
		return nil, apperr.Validation("epic title is required")
	}
	if _, ok := epicStatuses[epic.Status]; !ok {
		return nil, apperr.Validation("invalid epic status %q", epic.Status)
	}
	if epic.Progress < 0 || epic.Progress > 100 {
		return nil, apperr.Validation("epic progress must be in [0,100], got %d", epic.Progress)
	}

	props := map[string]any{
		"title": epic.Title,
	}
	setIfNonEmpty(props, "epic_id", epic.EpicID)
	setIfNonEmpty(props, "goal", epic.Goal)
	setIfNonEmpty(props, "vision", epic.Vision)
	setIfNonEmpty(props, "status", epic.Status)
	setIfNonEmpty(props, "roadmap_status", epic.RoadmapStatus)
	setIfNonEmpty(props, "roadmap_lane", epic.RoadmapLane)
	setIfNonEmpty(props, "content", epic.Content)
	setIfNonEmpty(props, "summary", epic.Summary)
	if epic.Progress > 0 {
		props["progress"] = epic.Progress
	}
	setStrings(props, "successCriteria", epic.SuccessCriteria)
	setStrings(props, "inScope", epic.InScope)
	setStrings(props, "outOfScope", epic.OutOfScope)

	result := &UpsertResult{ID: epic.ID}
	err := r.q.WithWriteTx(ctx, func(tx graph.Tx) error {
		created, err := r.upsertNode(ctx, tx, "Epic", tenant, epic.ID, principal, props)
		if err != nil {
			return err
		}
		result.Created = created
		if created {
			result.NodesCreated = 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func setIfNonEmpty(props map[string]any, key, value string) {
	if value != "" {
		props[key] = value
	}
}

func setStrings(props map[string]any, key string, values []string) {
	if len(values) > 0 {
		props[key] = values
	}
}
