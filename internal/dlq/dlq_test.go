package dlq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/graph"
)

type fakeQuerier struct {
	queries []string
	params  []map[string]any
	handler func(query string, params map[string]any) ([]graph.Record, error)
}

func (f *fakeQuerier) Execute(_ context.Context, query string, params map[string]any) ([]graph.Record, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if f.handler == nil {
		return nil, nil
	}
	return f.handler(query, params)
}
func (f *fakeQuerier) WithReadTx(ctx context.Context, fn func(tx graph.Tx) error) error  { return nil }
func (f *fakeQuerier) WithWriteTx(ctx context.Context, fn func(tx graph.Tx) error) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dlqConfig() config.DLQConfig {
	return config.DLQConfig{
		MaxRetries:    3,
		RetryDelays:   []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute},
		SweepInterval: 5 * time.Minute,
	}
}

func entryNode(entry Entry) graph.Node {
	return graph.Node{ElementID: "elem-" + entry.ID, Labels: []string{"DeadLetterEntry"}, Props: map[string]any{
		"id": entry.ID, "graph_id": entry.GraphID, "original_event": entry.OriginalEvent,
		"failure_reason": entry.FailureReason, "failed_at": entry.FailedAt,
		"retry_count": entry.RetryCount, "last_retry_at": entry.LastRetryAt, "status": entry.Status,
	}}
}

func originalEvent(t *testing.T) string {
	t.Helper()
	serialized, err := json.Marshal(events.Event{
		ID: "evt_1", UserID: "usr_1", Category: "git", Timestamp: "2026-08-24T10:00:00.000Z",
	})
	require.NoError(t, err)
	return string(serialized)
}

// harness wires a queue over a single stored entry and captures every
// status patch the retry path applies.
type harness struct {
	q       *fakeQuerier
	queue   *Queue
	entry   Entry
	patches []map[string]any
	// appendErr, when set, fails the event re-apply; patchErr fails
	// entry status writes.
	appendErr error
	patchErr  error
}

func newHarness(t *testing.T, entry Entry, now time.Time) *harness {
	h := &harness{entry: entry}
	h.q = &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case strings.Contains(query, "DeadLetterEntry") && strings.Contains(query, "SET e += $props"):
			if h.patchErr != nil {
				return nil, h.patchErr
			}
			patch := params["props"].(map[string]any)
			h.patches = append(h.patches, patch)
			return []graph.Record{{"id": h.entry.ID}}, nil
		case strings.Contains(query, "DeadLetterEntry") && strings.Contains(query, "LIMIT 1"):
			return []graph.Record{{"e": entryNode(h.entry)}}, nil
		default:
			// Everything else is the event store re-applying the
			// original event.
			if h.appendErr != nil {
				return nil, h.appendErr
			}
			return []graph.Record{{"created": true}}, nil
		}
	}}
	store := events.NewStore(h.q, testLogger())
	h.queue = New(h.q, store, dlqConfig(), testLogger()).WithClock(func() time.Time { return now })
	return h
}

func TestDelayLadderClampsAtLastRung(t *testing.T) {
	queue := New(&fakeQuerier{}, nil, dlqConfig(), testLogger())
	assert.Equal(t, time.Minute, queue.Delay(0))
	assert.Equal(t, 5*time.Minute, queue.Delay(1))
	assert.Equal(t, 30*time.Minute, queue.Delay(2))
	assert.Equal(t, 30*time.Minute, queue.Delay(7))
}

func TestRetryTooEarlyReportsRemainingSeconds(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailedAt: graph.FormatTime(failedAt), Status: StatusPending,
	}, failedAt.Add(20*time.Second))

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, int64(40), result.RemainingSeconds)
	assert.Contains(t, result.Error, "40 seconds")
	assert.Empty(t, h.patches, "a gated retry must not touch the entry")
}

func TestRetrySecondAttemptGatesOnLastRetryAt(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	lastRetry := failedAt.Add(2 * time.Minute)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailedAt: graph.FormatTime(failedAt), LastRetryAt: graph.FormatTime(lastRetry),
		RetryCount: 1, Status: StatusPending,
	}, lastRetry.Add(3*time.Minute))

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, int64(120), result.RemainingSeconds, "retry_count 1 gates on the 5m rung")
}

func TestRetrySuccessResolvesEntry(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailedAt: graph.FormatTime(failedAt), Status: StatusPending,
	}, failedAt.Add(2*time.Minute))

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, "evt_1", result.EventID)

	require.Len(t, h.patches, 2)
	assert.Equal(t, StatusRetrying, h.patches[0]["status"])
	assert.Equal(t, StatusResolved, h.patches[1]["status"])
	assert.NotEmpty(t, h.patches[1]["last_retry_at"])
}

func TestRetryFailureConsumesBudgetAndAppendsReason(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailureReason: "connection reset",
		FailedAt:      graph.FormatTime(failedAt), Status: StatusPending,
	}, failedAt.Add(2*time.Minute))
	h.appendErr = apperr.Internal(nil, "constraint violation")

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, int64(1), result.RetryCount)

	last := h.patches[len(h.patches)-1]
	assert.Equal(t, int64(1), last["retry_count"])
	reason := last["failure_reason"].(string)
	assert.True(t, strings.HasPrefix(reason, "connection reset; "), "reasons accumulate, got %q", reason)
}

func TestRetryFinalFailureAbandons(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailedAt: graph.FormatTime(failedAt), LastRetryAt: graph.FormatTime(failedAt),
		RetryCount: 2, Status: StatusPending,
	}, failedAt.Add(time.Hour))
	h.appendErr = apperr.Internal(nil, "still broken")

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusAbandoned, result.Status)
	assert.Equal(t, int64(3), result.RetryCount)
}

// A store outage during the re-apply is still a failed attempt: the
// budget is consumed and the outcome is a result, not an error.
func TestRetryStoreOutageConsumesBudget(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailureReason: "connection reset",
		FailedAt:      graph.FormatTime(failedAt), RetryCount: 2,
		LastRetryAt: graph.FormatTime(failedAt), Status: StatusPending,
	}, failedAt.Add(time.Hour))
	h.appendErr = apperr.Unavailable(nil, "neo4j unreachable")

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusAbandoned, result.Status)
	assert.Equal(t, int64(3), result.RetryCount)

	last := h.patches[len(h.patches)-1]
	assert.Equal(t, StatusAbandoned, last["status"])
	assert.Equal(t, int64(3), last["retry_count"])
	reason := last["failure_reason"].(string)
	assert.True(t, strings.HasPrefix(reason, "connection reset; "), "reasons accumulate, got %q", reason)
}

// Failures writing the entry's own state are service errors, never a
// consumed attempt.
func TestRetryEntryUpdateFailureIsServiceError(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailedAt: graph.FormatTime(failedAt), Status: StatusPending,
	}, failedAt.Add(2*time.Minute))
	h.patchErr = apperr.Unavailable(nil, "neo4j unreachable")

	_, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	assert.True(t, apperr.IsKind(err, apperr.KindUnavailable))
	assert.Empty(t, h.patches, "no patch recorded when the state write fails")
}

func TestRetryTerminalStatesShortCircuit(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", Status: StatusResolved,
	}, failedAt)
	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.Equal(t, "Entry already resolved", result.Error)

	h = newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", Status: StatusAbandoned, RetryCount: 3,
	}, failedAt)
	result, err = h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.Equal(t, "Max retry attempts exceeded", result.Error)
	assert.Empty(t, h.patches)
}

func TestRetryExhaustedBudgetAbandonsWithoutApplying(t *testing.T) {
	failedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Entry{
		ID: "dlq_1", GraphID: "acme", OriginalEvent: originalEvent(t),
		FailedAt: graph.FormatTime(failedAt), RetryCount: 3, Status: StatusPending,
	}, failedAt.Add(24*time.Hour))

	result, err := h.queue.Retry(context.Background(), "acme", "dlq_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, result.Status)
	require.Len(t, h.patches, 1)
	assert.Equal(t, StatusAbandoned, h.patches[0]["status"])
}

func TestRetryUnknownEntryIsNotFound(t *testing.T) {
	q := &fakeQuerier{}
	queue := New(q, events.NewStore(q, testLogger()), dlqConfig(), testLogger())
	_, err := queue.Retry(context.Background(), "acme", "dlq_missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestEnqueueSerializesOriginal(t *testing.T) {
	q := &fakeQuerier{handler: func(string, map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"id": "dlq_x"}}, nil
	}}
	queue := New(q, nil, dlqConfig(), testLogger()).WithClock(func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	})

	entry, err := queue.Enqueue(context.Background(), "acme", &events.Event{
		ID: "evt_1", UserID: "usr_1", Category: "git",
	}, "write timed out")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(entry.ID, "dlq_"))
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, "2026-08-24T12:00:00.000Z", entry.FailedAt)

	var round events.Event
	require.NoError(t, json.Unmarshal([]byte(entry.OriginalEvent), &round))
	assert.Equal(t, "evt_1", round.ID)
}
