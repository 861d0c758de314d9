// Package dlq implements the dead-letter queue for failed event
// writes. Each entry is a small state machine: pending until its
// retry-after gate elapses, retrying while a re-apply is in flight,
// and terminally resolved or abandoned. Any re-apply failure consumes
// an attempt from the retry budget; only failures writing the entry's
// own state are service errors.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Entry states.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusResolved  = "resolved"
	StatusAbandoned = "abandoned"
)

// Entry is one persisted dead-letter record.
type Entry struct {
	ID            string `json:"id"`
	GraphID       string `json:"graph_id"`
	OriginalEvent string `json:"original_event"`
	FailureReason string `json:"failure_reason"`
	FailedAt      string `json:"failed_at"`
	RetryCount    int64  `json:"retry_count"`
	LastRetryAt   string `json:"last_retry_at,omitempty"`
	Status        string `json:"status"`
}

// RetryResult reports a retry attempt. Event-level outcomes (too
// early, failure, abandonment) are results, not errors; only store
// and lookup problems surface as errors.
type RetryResult struct {
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	RetryCount       int64  `json:"retryCount"`
	Error            string `json:"error,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds,omitempty"`
	EventID          string `json:"eventId,omitempty"`
}

// Queue manages dead-letter entries.
type Queue struct {
	q      graph.Querier
	store  *events.Store
	cfg    config.DLQConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue.
func New(q graph.Querier, store *events.Store, cfg config.DLQConfig, logger *slog.Logger) *Queue {
	return &Queue{q: q, store: store, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (d *Queue) WithClock(now func() time.Time) *Queue {
	d.now = now
	return d
}

// Delay returns the retry-after delay for the given retry count. The
// table escalates {60s, 5m, 30m}; counts past the end reuse the last
// entry.
func (d *Queue) Delay(retryCount int64) time.Duration {
	idx := int(retryCount)
	if idx >= len(d.cfg.RetryDelays) {
		idx = len(d.cfg.RetryDelays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return d.cfg.RetryDelays[idx]
}

// Enqueue records a failed event write.
func (d *Queue) Enqueue(ctx context.Context, tenant string, original *events.Event, failureReason string) (*Entry, error) {
	if original == nil {
		return nil, apperr.Validation("original event is required")
	}
	serialized, err := json.Marshal(original)
	if err != nil {
		return nil, apperr.Validation("original event not serializable: %v", err)
	}

	entry := &Entry{
		ID:            "dlq_" + uuid.NewString(),
		GraphID:       tenant,
		OriginalEvent: string(serialized),
		FailureReason: failureReason,
		FailedAt:      graph.FormatTime(d.now()),
		RetryCount:    0,
		Status:        StatusPending,
	}

	_, err = d.q.Execute(ctx, `
CREATE (e:DeadLetterEntry {
  id: $id, graph_id: $graphId, graphId: $graphId,
  original_event: $original, failure_reason: $reason,
  failed_at: $failedAt, retry_count: 0, status: $status
})
RETURN e.id AS id`, map[string]any{
		"id":       entry.ID,
		"graphId":  tenant,
		"original": entry.OriginalEvent,
		"reason":   entry.FailureReason,
		"failedAt": entry.FailedAt,
		"status":   StatusPending,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("event dead-lettered", "entry_id", entry.ID, "graph_id", tenant, "reason", failureReason)
	return entry, nil
}

// Get loads an entry by id within the tenant.
func (d *Queue) Get(ctx context.Context, tenant, id string) (*Entry, error) {
	query := fmt.Sprintf(`
MATCH (e:DeadLetterEntry {id: $id}) WHERE %s
RETURN e LIMIT 1`, graph.TenantClause("e"))
	rows, err := d.q.Execute(ctx, query, map[string]any{"id": id, "graphId": tenant})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("dead-letter entry %s not found", id)
	}
	node, ok := graph.AsNode(rows[0]["e"])
	if !ok {
		return nil, apperr.Internal(nil, "dead-letter query returned a non-node value")
	}
	return decode(node), nil
}

// List returns entries in the tenant, newest failures first, optionally
// filtered by status.
func (d *Queue) List(ctx context.Context, tenant, status string, limit int) ([]Entry, error) {
	if limit < 1 || limit > 100 {
		limit = 100
	}
	where := graph.TenantClause("e")
	params := map[string]any{"graphId": tenant, "limit": limit}
	if status != "" {
		where += " AND e.status = $status"
		params["status"] = status
	}
	query := fmt.Sprintf(`
MATCH (e:DeadLetterEntry) WHERE %s
RETURN e
ORDER BY e.failed_at DESC
LIMIT $limit`, where)
	rows, err := d.q.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if node, ok := graph.AsNode(row["e"]); ok {
			out = append(out, *decode(node))
		}
	}
	return out, nil
}

// Retry attempts to re-apply an entry's original event.
func (d *Queue) Retry(ctx context.Context, tenant, id string) (*RetryResult, error) {
	entry, err := d.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case StatusResolved:
		return &RetryResult{Success: false, Status: StatusResolved, RetryCount: entry.RetryCount,
			Error: "Entry already resolved"}, nil
	case StatusAbandoned:
		return &RetryResult{Success: false, Status: StatusAbandoned, RetryCount: entry.RetryCount,
			Error: "Max retry attempts exceeded"}, nil
	}

	if entry.RetryCount >= int64(d.cfg.MaxRetries) {
		if err := d.update(ctx, tenant, id, map[string]any{"status": StatusAbandoned}); err != nil {
			return nil, err
		}
		return &RetryResult{Success: false, Status: StatusAbandoned, RetryCount: entry.RetryCount,
			Error: "Max retry attempts exceeded"}, nil
	}

	// Time gate: the delay for the current retry count must have
	// elapsed since the last attempt (or since the original failure
	// for a first retry).
	gateBase := graph.AsTime(entry.LastRetryAt)
	if gateBase.IsZero() {
		gateBase = graph.AsTime(entry.FailedAt)
	}
	delay := d.Delay(entry.RetryCount)
	if elapsed := d.now().Sub(gateBase); elapsed < delay {
		remaining := int64((delay - elapsed + time.Second - 1) / time.Second)
		gate := apperr.TooEarly(remaining)
		return &RetryResult{Success: false, Status: entry.Status, RetryCount: entry.RetryCount,
			Error: gate.Message, RemainingSeconds: remaining}, nil
	}

	if err := d.update(ctx, tenant, id, map[string]any{"status": StatusRetrying}); err != nil {
		return nil, err
	}

	var original events.Event
	if err := json.Unmarshal([]byte(entry.OriginalEvent), &original); err != nil {
		// Undecodable payloads can never succeed; they consume an
		// attempt like any other event failure.
		return d.recordFailure(ctx, tenant, entry, fmt.Sprintf("deserialize original event: %v", err))
	}

	_, _, applyErr := d.store.Append(ctx, tenant, &original)
	if applyErr != nil {
		// Every re-apply failure consumes an attempt, store outages
		// included: the entry already records the event, so abandoning
		// after the budget is spent loses nothing.
		return d.recordFailure(ctx, tenant, entry, applyErr.Error())
	}

	now := graph.FormatTime(d.now())
	if err := d.update(ctx, tenant, id, map[string]any{
		"status":        StatusResolved,
		"last_retry_at": now,
	}); err != nil {
		return nil, err
	}
	d.logger.Info("dead-letter entry resolved", "entry_id", id, "event_id", original.ID)
	return &RetryResult{Success: true, Status: StatusResolved, RetryCount: entry.RetryCount, EventID: original.ID}, nil
}

// recordFailure increments the budget and transitions to pending or
// abandoned. The failure reason is appended, never replaced, to keep
// the audit trail.
func (d *Queue) recordFailure(ctx context.Context, tenant string, entry *Entry, reason string) (*RetryResult, error) {
	count := entry.RetryCount + 1
	status := StatusPending
	if count >= int64(d.cfg.MaxRetries) {
		status = StatusAbandoned
	}
	appended := entry.FailureReason
	if appended != "" {
		appended += "; "
	}
	appended += reason

	if err := d.update(ctx, tenant, entry.ID, map[string]any{
		"status":         status,
		"retry_count":    count,
		"last_retry_at":  graph.FormatTime(d.now()),
		"failure_reason": appended,
	}); err != nil {
		return nil, err
	}
	return &RetryResult{Success: false, Status: status, RetryCount: count, Error: reason}, nil
}

// update applies a property patch to an entry.
func (d *Queue) update(ctx context.Context, tenant, id string, props map[string]any) error {
	query := fmt.Sprintf(`
MATCH (e:DeadLetterEntry {id: $id}) WHERE %s
SET e += $props
RETURN e.id AS id`, graph.TenantClause("e"))
	rows, err := d.q.Execute(ctx, query, map[string]any{"id": id, "graphId": tenant, "props": props})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apperr.NotFound("dead-letter entry %s not found", id)
	}
	return nil
}

// SweepDue retries every pending entry in the tenant whose gate has
// elapsed. Used by the scheduler; individual failures are logged and
// do not stop the sweep.
func (d *Queue) SweepDue(ctx context.Context, tenant string) (int, error) {
	entries, err := d.List(ctx, tenant, StatusPending, 100)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, entry := range entries {
		result, err := d.Retry(ctx, tenant, entry.ID)
		if err != nil {
			d.logger.Warn("dead-letter sweep retry errored", "entry_id", entry.ID, "error", err)
			continue
		}
		if result.Success {
			resolved++
		}
	}
	return resolved, nil
}

func decode(node graph.Node) *Entry {
	p := node.Props
	return &Entry{
		ID:            graph.AsString(p["id"]),
		GraphID:       graph.AsString(p["graph_id"]),
		OriginalEvent: graph.AsString(p["original_event"]),
		FailureReason: graph.AsString(p["failure_reason"]),
		FailedAt:      graph.AsString(p["failed_at"]),
		RetryCount:    graph.AsInt64(p["retry_count"]),
		LastRetryAt:   graph.AsString(p["last_retry_at"]),
		Status:        graph.AsString(p["status"]),
	}
}
