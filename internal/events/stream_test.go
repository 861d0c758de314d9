package events

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/graph"
)

type fakeQuerier struct {
	handler func(query string, params map[string]any) ([]graph.Record, error)
}

func (f *fakeQuerier) Execute(_ context.Context, query string, params map[string]any) ([]graph.Record, error) {
	return f.handler(query, params)
}
func (f *fakeQuerier) WithReadTx(ctx context.Context, fn func(tx graph.Tx) error) error  { return nil }
func (f *fakeQuerier) WithWriteTx(ctx context.Context, fn func(tx graph.Tx) error) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func streamConfig() config.StreamConfig {
	return config.StreamConfig{
		PollInterval: 10 * time.Millisecond,
		MaxTimeout:   2 * time.Second,
		MaxLimit:     200,
	}
}

func eventNode(id, ts string) graph.Node {
	return graph.Node{ElementID: "elem-" + id, Labels: []string{"Event"}, Props: map[string]any{
		"id": id, "timestamp": ts, "user_id": "usr_1", "category": "git",
	}}
}

// A poll that starts empty must wake up when an event lands, well
// before the timeout budget.
func TestStreamWakesOnNewEvent(t *testing.T) {
	var polls atomic.Int64
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		if strings.Contains(query, "AS ts") {
			return []graph.Record{{"ts": "2026-08-24T10:00:00.000Z"}}, nil
		}
		if polls.Add(1) < 4 {
			return nil, nil
		}
		return []graph.Record{{"e": eventNode("evt_100", "2026-08-24T10:00:03.000Z")}}, nil
	}}
	streamer := NewStreamer(NewStore(q, testLogger()), streamConfig())

	started := time.Now()
	resp, err := streamer.Stream(context.Background(), "acme", StreamRequest{
		Since: "evt_99", Limit: 10, Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "evt_100", resp.Events[0].ID)
	assert.Equal(t, "evt_100", resp.LastEventID)
	assert.False(t, resp.HasMore)
	assert.Less(t, time.Since(started), time.Second)
}

func TestStreamUnknownCursorIsNotFound(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		return nil, nil
	}}
	streamer := NewStreamer(NewStore(q, testLogger()), streamConfig())

	_, err := streamer.Stream(context.Background(), "acme", StreamRequest{Since: "evt_missing"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

// Cancellation abandons the hold within roughly one poll interval.
func TestStreamAbortReturnsPromptly(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		return nil, nil
	}}
	streamer := NewStreamer(NewStore(q, testLogger()), streamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	resp, err := streamer.Stream(ctx, "acme", StreamRequest{Limit: 10, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestStreamTimeoutReturnsEmpty(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		return nil, nil
	}}
	cfg := streamConfig()
	streamer := NewStreamer(NewStore(q, testLogger()), cfg)

	resp, err := streamer.Stream(context.Background(), "acme", StreamRequest{
		Limit: 10, Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotNil(t, resp.Events)
	assert.Empty(t, resp.Events)
	assert.Empty(t, resp.LastEventID)
}

func TestStreamHasMoreOnTruncation(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		if strings.Contains(query, "AS ts") {
			return []graph.Record{{"ts": "2026-08-24T10:00:00.000Z"}}, nil
		}
		return []graph.Record{
			{"e": eventNode("evt_1", "2026-08-24T10:00:01.000Z")},
			{"e": eventNode("evt_2", "2026-08-24T10:00:02.000Z")},
			{"e": eventNode("evt_3", "2026-08-24T10:00:03.000Z")},
		}, nil
	}}
	streamer := NewStreamer(NewStore(q, testLogger()), streamConfig())

	resp, err := streamer.Stream(context.Background(), "acme", StreamRequest{
		Since: "evt_0", Limit: 2, Timeout: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, resp.Events, 2)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "evt_1", resp.Events[0].ID)
	assert.Equal(t, "evt_2", resp.LastEventID)
}

// Latest-mode over-fetch keeps the most recent events, still in
// chronological order.
func TestStreamLatestModeKeepsNewest(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		// listLatest fetches DESC.
		return []graph.Record{
			{"e": eventNode("evt_3", "2026-08-24T10:00:03.000Z")},
			{"e": eventNode("evt_2", "2026-08-24T10:00:02.000Z")},
			{"e": eventNode("evt_1", "2026-08-24T10:00:01.000Z")},
		}, nil
	}}
	streamer := NewStreamer(NewStore(q, testLogger()), streamConfig())

	resp, err := streamer.Stream(context.Background(), "acme", StreamRequest{Limit: 2, Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, resp.Events, 2)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "evt_2", resp.Events[0].ID)
	assert.Equal(t, "evt_3", resp.Events[1].ID)
}

func TestAppendValidation(t *testing.T) {
	store := NewStore(&fakeQuerier{handler: func(string, map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"created": true}}, nil
	}}, testLogger())

	_, _, err := store.Append(context.Background(), "acme", &Event{Category: "git"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, _, err = store.Append(context.Background(), "acme", &Event{UserID: "usr_1"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, _, err = store.Append(context.Background(), "acme", &Event{UserID: "usr_1", Category: "git", Impact: "huge"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	store := NewStore(&fakeQuerier{handler: func(string, map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"created": true}}, nil
	}}, testLogger()).WithClock(func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	})

	ev, created, err := store.Append(context.Background(), "acme", &Event{UserID: "usr_1", Category: "git"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(ev.ID, "evt_"))
	assert.Equal(t, "2026-08-24T12:00:00.000Z", ev.Timestamp)
	assert.Equal(t, "acme", ev.ProjectID)
}

// A replayed append (same id, same content) is a no-op create=false
// returning the stored event, which is what the dead-letter retry path
// relies on.
func TestAppendReplayedEventNotRecreated(t *testing.T) {
	stored := eventNode("evt_1", "2026-08-24T10:00:00.000Z")
	stored.Props["description"] = "pushed main"
	store := NewStore(&fakeQuerier{handler: func(string, map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"e": stored, "created": false}}, nil
	}}, testLogger())

	ev, created, err := store.Append(context.Background(), "acme", &Event{
		ID: "evt_1", UserID: "usr_1", Category: "git", Timestamp: "2026-08-24T10:00:00.000Z",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "pushed main", ev.Description, "clean replay returns the stored event")
}

// Reusing an event id with different content must not silently drop
// the write; events are immutable.
func TestAppendConflictingReplayIsRejected(t *testing.T) {
	store := NewStore(&fakeQuerier{handler: func(string, map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"e": eventNode("evt_1", "2026-08-24T10:00:00.000Z"), "created": false}}, nil
	}}, testLogger())

	_, _, err := store.Append(context.Background(), "acme", &Event{
		ID: "evt_1", UserID: "usr_2", Category: "git", Timestamp: "2026-08-24T10:00:00.000Z",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}
