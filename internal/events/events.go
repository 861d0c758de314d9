// Package events owns the append-only event log and its long-poll
// stream. Events are immutable once written; the stream tails them by
// cursor with category and agent filters.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Event is one append-only log entry.
type Event struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	AgentID     string   `json:"agent_id,omitempty"`
	ProjectID   string   `json:"project_id"`
	Timestamp   string   `json:"timestamp"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Impact      string   `json:"impact,omitempty"` // low, medium, high
	Branch      string   `json:"branch,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Shared      bool     `json:"shared"`
	CommitHash  string   `json:"commit_hash,omitempty"`
	Pressure    string   `json:"pressure,omitempty"`
}

var impacts = map[string]struct{}{"": {}, "low": {}, "medium": {}, "high": {}}

// Store persists and reads events.
type Store struct {
	q      graph.Querier
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an event store.
func NewStore(q graph.Querier, logger *slog.Logger) *Store {
	return &Store{q: q, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Append writes an event. The write is MERGE-on-id so a replay (the
// DLQ re-apply path) never creates a second node. An existing event is
// left untouched because events are immutable: a clean replay returns
// the stored event, and a replay carrying different content is a
// conflict.
func (s *Store) Append(ctx context.Context, tenant string, ev *Event) (*Event, bool, error) {
	if ev.UserID == "" {
		return nil, false, apperr.Validation("event user_id is required")
	}
	if ev.Category == "" {
		return nil, false, apperr.Validation("event category is required")
	}
	if _, ok := impacts[ev.Impact]; !ok {
		return nil, false, apperr.Validation("invalid event impact %q", ev.Impact)
	}
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = graph.FormatTime(s.now())
	}
	ev.ProjectID = tenant

	query := `
MERGE (e:Event {id: $id, graph_id: $graphId})
ON CREATE SET e += $props, e.graphId = $graphId, e.__created = true
ON MATCH SET e.__created = false
WITH e, e.__created AS created
REMOVE e.__created
RETURN e, created`
	props := map[string]any{
		"user_id":     ev.UserID,
		"project_id":  tenant,
		"timestamp":   ev.Timestamp,
		"category":    ev.Category,
		"description": ev.Description,
		"shared":      ev.Shared,
	}
	if ev.AgentID != "" {
		props["agent_id"] = ev.AgentID
	}
	if ev.Impact != "" {
		props["impact"] = ev.Impact
	}
	if ev.Branch != "" {
		props["branch"] = ev.Branch
	}
	if ev.CommitHash != "" {
		props["commit_hash"] = ev.CommitHash
	}
	if ev.Pressure != "" {
		props["pressure"] = ev.Pressure
	}
	if len(ev.Files) > 0 {
		props["files"] = ev.Files
	}
	if len(ev.Tags) > 0 {
		props["tags"] = ev.Tags
	}

	rows, err := s.q.Execute(ctx, query, map[string]any{
		"id":      ev.ID,
		"graphId": tenant,
		"props":   props,
	})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, apperr.Internal(nil, "event append returned no rows")
	}
	if graph.AsBool(rows[0]["created"]) {
		return ev, true, nil
	}
	stored, ok := graph.AsNode(rows[0]["e"])
	if !ok {
		return nil, false, apperr.Internal(nil, "event append returned a non-node value")
	}
	existing := decodeNode(stored)
	if existing.UserID != ev.UserID || existing.Category != ev.Category || existing.Timestamp != ev.Timestamp {
		return nil, false, apperr.Conflict("event %s already exists with different content", ev.ID)
	}
	return &existing, false, nil
}

// timestampOf resolves the cursor event's timestamp.
func (s *Store) timestampOf(ctx context.Context, tenant, eventID string) (string, error) {
	query := fmt.Sprintf(`
MATCH (e:Event {id: $id}) WHERE %s
RETURN e.timestamp AS ts LIMIT 1`, graph.TenantClause("e"))
	rows, err := s.q.Execute(ctx, query, map[string]any{"id": eventID, "graphId": tenant})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", apperr.NotFound("cursor event %s not found", eventID)
	}
	return graph.AsString(rows[0]["ts"]), nil
}

// listAfter returns up to limit events strictly after the timestamp,
// ascending by (timestamp, id).
func (s *Store) listAfter(ctx context.Context, tenant, afterTS string, categories []string, agentID string, limit int) ([]Event, error) {
	where := graph.TenantClause("e") + " AND e.timestamp > $after"
	params := map[string]any{"graphId": tenant, "after": afterTS, "limit": limit}
	where, params = applyFilters(where, params, categories, agentID)

	query := fmt.Sprintf(`
MATCH (e:Event) WHERE %s
RETURN e
ORDER BY e.timestamp ASC, e.id ASC
LIMIT $limit`, where)
	rows, err := s.q.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return decodeRows(rows), nil
}

// listLatest returns the most recent events in chronological order:
// fetched descending, then reversed.
func (s *Store) listLatest(ctx context.Context, tenant string, categories []string, agentID string, limit int) ([]Event, error) {
	where := graph.TenantClause("e")
	params := map[string]any{"graphId": tenant, "limit": limit}
	where, params = applyFilters(where, params, categories, agentID)

	query := fmt.Sprintf(`
MATCH (e:Event) WHERE %s
RETURN e
ORDER BY e.timestamp DESC, e.id DESC
LIMIT $limit`, where)
	rows, err := s.q.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	evs := decodeRows(rows)
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// ListForUser returns the user's most recent events, newest first.
func (s *Store) ListForUser(ctx context.Context, tenant, userID string, limit int) ([]Event, error) {
	query := fmt.Sprintf(`
MATCH (e:Event) WHERE %s AND e.user_id = $userId
RETURN e
ORDER BY e.timestamp DESC, e.id DESC
LIMIT $limit`, graph.TenantClause("e"))
	rows, err := s.q.Execute(ctx, query, map[string]any{
		"graphId": tenant, "userId": userID, "limit": limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(rows), nil
}

// ListTeamActivity returns other users' notable recent events:
// coordination categories within the window, and only shared or
// high-impact entries.
func (s *Store) ListTeamActivity(ctx context.Context, tenant, excludeUserID string, since time.Time, limit int) ([]Event, error) {
	query := fmt.Sprintf(`
MATCH (e:Event) WHERE %s
  AND e.user_id <> $userId
  AND e.category IN $categories
  AND e.timestamp >= $since
  AND (e.shared = true OR e.impact = 'high')
RETURN e
ORDER BY e.timestamp DESC, e.id DESC
LIMIT $limit`, graph.TenantClause("e"))
	rows, err := s.q.Execute(ctx, query, map[string]any{
		"graphId":    tenant,
		"userId":     excludeUserID,
		"categories": []string{"decision", "achievement", "git", "fix", "feature"},
		"since":      graph.FormatTime(since),
		"limit":      limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(rows), nil
}

func applyFilters(where string, params map[string]any, categories []string, agentID string) (string, map[string]any) {
	if len(categories) > 0 {
		where += " AND e.category IN $categories"
		params["categories"] = categories
	}
	if agentID != "" {
		where += " AND e.agent_id = $agentId"
		params["agentId"] = agentID
	}
	return where, params
}

func decodeRows(rows []graph.Record) []Event {
	evs := make([]Event, 0, len(rows))
	for _, row := range rows {
		node, ok := graph.AsNode(row["e"])
		if !ok {
			continue
		}
		evs = append(evs, decodeNode(node))
	}
	return evs
}

func decodeNode(node graph.Node) Event {
	p := node.Props
	return Event{
		ID:          graph.AsString(p["id"]),
		UserID:      graph.AsString(p["user_id"]),
		AgentID:     graph.AsString(p["agent_id"]),
		ProjectID:   graph.AsString(p["project_id"]),
		Timestamp:   graph.AsString(p["timestamp"]),
		Category:    graph.AsString(p["category"]),
		Description: graph.AsString(p["description"]),
		Files:       graph.AsStrings(p["files"]),
		Impact:      graph.AsString(p["impact"]),
		Branch:      graph.AsString(p["branch"]),
		Tags:        graph.AsStrings(p["tags"]),
		Shared:      graph.AsBool(p["shared"]),
		CommitHash:  graph.AsString(p["commit_hash"]),
		Pressure:    graph.AsString(p["pressure"]),
	}
}
