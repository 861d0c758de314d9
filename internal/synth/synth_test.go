package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/graph"
)

type fakeQuerier struct {
	handler func(query string, params map[string]any) ([]graph.Record, error)
}

func (f *fakeQuerier) Execute(_ context.Context, query string, params map[string]any) ([]graph.Record, error) {
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

func synthConfig() config.SynthConfig {
	return config.SynthConfig{
		Budget:         2 * time.Second,
		EventLimit:     20,
		TeamEventDays:  3,
		TeamEventLimit: 15,
		TokenBase:      500,
		TokenPerTask:   50,
		TokenPerEvent:  30,
		TokenCharter:   200,
		TokenPerTeam:   25,
	}
}

func node(label, id string, props map[string]any) graph.Node {
	p := map[string]any{"id": id}
	for k, v := range props {
		p[k] = v
	}
	return graph.Node{ElementID: "elem-" + id, Labels: []string{label}, Props: p}
}

func eventRow(id string) graph.Record {
	return graph.Record{"e": node("Event", id, map[string]any{
		"user_id": "usr_1", "category": "git", "timestamp": "2026-08-24T10:00:00.000Z",
	})}
}

// sprintRow answers the hydration query for one sprint with tasks.
func sprintRow(sprintID string, tasks ...graph.Node) graph.Record {
	taskList := make([]any, len(tasks))
	for i := range tasks {
		taskList[i] = tasks[i]
	}
	return graph.Record{
		"s":     node("Sprint", sprintID, map[string]any{"title": "Sprint"}),
		"ep":    node("Epic", "e005", map[string]any{"title": "Epic"}),
		"next":  nil,
		"tasks": taskList,
	}
}

func newSynth(q *fakeQuerier) *Synthesizer {
	return New(q, events.NewStore(q, testLogger()), synthConfig(), testLogger())
}

func TestSessionStartComposesSections(t *testing.T) {
	tasks := []graph.Node{
		node("Task", "e005_s01_t01", map[string]any{"status": "complete"}),
		node("Task", "e005_s01_t02", map[string]any{"status": "in_progress"}),
	}
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case strings.Contains(query, "collect(t) AS tasks"):
			return []graph.Record{sprintRow("e005_s01", tasks...)}, nil
		case strings.Contains(query, "Charter"):
			return []graph.Record{{"c": node("Charter", "charter_1", map[string]any{
				"purpose": "Ship billing", "goals": []any{"g1", "g2"},
			})}}, nil
		case strings.Contains(query, "e.user_id = $userId"):
			return []graph.Record{eventRow("evt_1"), eventRow("evt_2")}, nil
		case strings.Contains(query, "e.user_id <> $userId"):
			return []graph.Record{eventRow("evt_9")}, nil
		default:
			return nil, nil
		}
	}}
	s := newSynth(q)

	resp, err := s.SessionStart(context.Background(), "acme", SessionStartRequest{
		UserID: "usr_1", SprintID: "e005_s01",
	})
	require.NoError(t, err)

	require.NotNil(t, resp.ActiveSprint)
	assert.Equal(t, "e005_s01", graph.AsString(resp.ActiveSprint.Sprint.Props["id"]))
	require.NotNil(t, resp.ActiveSprint.CurrentTask, "falls back to first workable task")
	assert.Equal(t, "e005_s01_t02", graph.AsString(resp.ActiveSprint.CurrentTask.Task.Props["id"]))
	assert.NotNil(t, resp.ActiveSprint.CurrentTask.Patterns)
	assert.NotNil(t, resp.ActiveSprint.CurrentTask.Gotchas)
	assert.NotNil(t, resp.ActiveSprint.CurrentTask.Constraints)
	require.NotNil(t, resp.Charter)
	assert.Equal(t, "Ship billing", resp.Charter.Purpose)
	assert.Equal(t, []string{"g1", "g2"}, resp.Charter.Goals)
	assert.Len(t, resp.RecentEvents, 2)
	assert.Len(t, resp.TeamActivity, 1)

	md := resp.Metadata
	assert.True(t, md.SprintFound)
	assert.Equal(t, 2, md.TaskCount)
	assert.Equal(t, 2, md.EventCount)
	// 500 + 50*2 + 30*2 + 200 + 25*1
	assert.Equal(t, 885, md.TokenEstimate)
}

// A failing sub-query empties its section but never fails the call.
func TestSessionStartAbsorbsSectionFailure(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case strings.Contains(query, "collect(t) AS tasks"):
			return []graph.Record{sprintRow("e005_s01")}, nil
		case strings.Contains(query, "e.user_id = $userId"):
			return nil, errors.New("query timeout")
		default:
			return nil, nil
		}
	}}
	s := newSynth(q)

	resp, err := s.SessionStart(context.Background(), "acme", SessionStartRequest{
		UserID: "usr_1", SprintID: "e005_s01",
	})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.SprintFound)
	assert.NotNil(t, resp.RecentEvents)
	assert.Empty(t, resp.RecentEvents)
	assert.Nil(t, resp.Charter)
	// 500 + 50*0 + 30*0 + 0 + 25*0
	assert.Equal(t, 500, resp.Metadata.TokenEstimate)
}

func TestSessionStartNoSprints(t *testing.T) {
	s := newSynth(&fakeQuerier{})

	resp, err := s.SessionStart(context.Background(), "acme", SessionStartRequest{UserID: "usr_1"})
	require.NoError(t, err)
	assert.Nil(t, resp.ActiveSprint)
	assert.False(t, resp.Metadata.SprintFound)
	assert.Equal(t, 0, resp.Metadata.TaskCount)
}

// Unknown preferred sprint falls through to the working-sprint
// strategy instead of failing.
func TestResolveActiveSprintCascade(t *testing.T) {
	var selectedWorking bool
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case strings.Contains(query, "collect(t) AS tasks"):
			if params["sprintId"] == "e009_s01" {
				return nil, nil // preferred sprint missing
			}
			return []graph.Record{sprintRow(graph.AsString(params["sprintId"]))}, nil
		case strings.Contains(query, "any(st IN statuses"):
			selectedWorking = true
			return []graph.Record{{"id": "e005_s02"}}, nil
		default:
			return nil, nil
		}
	}}
	s := newSynth(q)

	sc, err := s.resolveActiveSprint(context.Background(), "acme", "e009_s01")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.True(t, selectedWorking)
	assert.Equal(t, "e005_s02", graph.AsString(sc.Sprint.Props["id"]))
}

func TestResolveActiveSprintNewestFallback(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case strings.Contains(query, "any(st IN statuses"):
			return nil, nil // no working sprint
		case strings.Contains(query, "ORDER BY s.createdAt DESC"):
			return []graph.Record{{"id": "e001_s01"}}, nil
		case strings.Contains(query, "collect(t) AS tasks"):
			return []graph.Record{sprintRow("e001_s01")}, nil
		default:
			return nil, nil
		}
	}}
	s := newSynth(q)

	sc, err := s.resolveActiveSprint(context.Background(), "acme", "")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "e001_s01", graph.AsString(sc.Sprint.Props["id"]))
}

func TestFirstWorkableTaskSkipsTerminalStates(t *testing.T) {
	tasks := []graph.Node{
		node("Task", "t1", map[string]any{"status": "complete"}),
		node("Task", "t2", map[string]any{"status": "blocked"}),
		node("Task", "t3", map[string]any{"status": "pending"}),
	}
	task := firstWorkableTask(tasks)
	require.NotNil(t, task)
	assert.Equal(t, "t3", graph.AsString(task.Props["id"]))

	assert.Nil(t, firstWorkableTask(tasks[:2]))
	assert.Nil(t, firstWorkableTask(nil))
}

func TestEnrichCurrentTaskPopulatesSections(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case strings.Contains(query, "APPLIES_PATTERN"):
			return []graph.Record{{"n": node("Pattern", "pat_1", nil)}}, nil
		case strings.Contains(query, "AVOID_GOTCHA"):
			return []graph.Record{{"n": node("Gotcha", "got_1", nil)}}, nil
		case strings.Contains(query, "MUST_FOLLOW"):
			return nil, errors.New("index offline")
		default:
			return nil, nil
		}
	}}
	s := newSynth(q)

	cur := newTaskContext(node("Task", "e005_s01_t02", nil))
	s.enrichCurrentTask(context.Background(), "acme", cur)

	require.Len(t, cur.Patterns, 1)
	require.Len(t, cur.Gotchas, 1)
	require.NotNil(t, cur.Constraints, "failed enrichment keeps the empty list")
	assert.Empty(t, cur.Constraints)
}

func TestStrategicContextClampsLimitAndFilters(t *testing.T) {
	var sawTags bool
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		if strings.Contains(query, "$tags") {
			sawTags = true
			assert.Equal(t, []string{"auth"}, params["tags"])
			assert.Equal(t, 50, params["limit"], "limit clamps to 50")
		}
		if strings.Contains(query, "(n:Pattern)") {
			return []graph.Record{{"n": node("Pattern", "pat_1", nil)}}, nil
		}
		return nil, nil
	}}
	s := newSynth(q)

	resp, err := s.StrategicContext(context.Background(), "acme", StrategicContextRequest{
		UserID: "usr_1", Tags: []string{"auth"}, Limit: 500,
	})
	require.NoError(t, err)
	assert.True(t, sawTags)
	require.Len(t, resp.Patterns, 1)
	assert.NotNil(t, resp.Gotchas)
	assert.NotNil(t, resp.Decisions)
}
