package migrate

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/dedup"
	"github.com/emergent-company/graphkb/internal/graph"
)

type fakeQuerier struct {
	queries []string
	params  []map[string]any
	handler func(query string, params map[string]any) ([]graph.Record, error)
}

func (f *fakeQuerier) run(_ context.Context, query string, params map[string]any) ([]graph.Record, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if f.handler == nil {
		return nil, nil
	}
	return f.handler(query, params)
}

func (f *fakeQuerier) Execute(ctx context.Context, query string, params map[string]any) ([]graph.Record, error) {
	return f.run(ctx, query, params)
}
func (f *fakeQuerier) WithReadTx(ctx context.Context, fn func(tx graph.Tx) error) error {
	return fn(fakeTx{f})
}
func (f *fakeQuerier) WithWriteTx(ctx context.Context, fn func(tx graph.Tx) error) error {
	return fn(fakeTx{f})
}

type fakeTx struct{ q *fakeQuerier }

func (t fakeTx) Run(ctx context.Context, query string, params map[string]any) ([]graph.Record, error) {
	return t.q.run(ctx, query, params)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunner(q *fakeQuerier) *Runner {
	cfg := &config.Config{Admin: config.AdminConfig{Allowlist: []string{"usr_admin"}}}
	return New(q, dedup.New(q, testLogger()), cfg, testLogger())
}

// The skip queries all end their WHERE clause on an IS NOT NULL check;
// the count and apply queries end on IS NULL variants.
func isSkipQuery(query string) bool {
	return strings.Contains(query, "IS NOT NULL\nRETURN")
}

func TestRunBackfillsDryRunUsesCountQueries(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case isSkipQuery(query):
			return []graph.Record{{"n": int64(1)}}, nil
		case strings.Contains(query, "count("):
			return []graph.Record{{"n": int64(4)}}, nil
		default:
			return nil, nil
		}
	}}
	r := newRunner(q)

	report, err := r.RunBackfills(context.Background(), "acme", true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Results, 5)
	assert.Equal(t, "M009_roadmap_props", report.Results[0].Name)
	assert.Equal(t, 4, report.Results[0].Migrated)
	assert.Equal(t, 1, report.Results[0].Skipped)
	assert.Equal(t, "M011_epic_id", report.Results[4].Name)

	for _, query := range q.queries {
		assert.NotContains(t, query, "SET", "dry-run must not write")
	}
}

// A second run over a migrated tenant touches nothing, and the rows
// migrated the first time around report as skipped.
func TestRunBackfillsSecondRunIsNoop(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		switch {
		case isSkipQuery(query) && strings.Contains(query, "Sprint"):
			return []graph.Record{{"n": int64(1)}}, nil
		case strings.Contains(query, "count("):
			return []graph.Record{{"n": int64(0)}}, nil
		default:
			return nil, nil
		}
	}}
	r := newRunner(q)

	report, err := r.RunBackfills(context.Background(), "acme", false)
	require.NoError(t, err)
	for _, result := range report.Results {
		assert.Zero(t, result.Migrated, result.Name)
		assert.Zero(t, result.Errors, result.Name)
	}
	goalToContent := report.Results[3]
	require.Equal(t, "M014_goal_to_content", goalToContent.Name)
	assert.Equal(t, 1, goalToContent.Skipped, "already-migrated sprints count as skipped")
}

func TestBackfillEpicIDsDerivesPerRow(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		if strings.Contains(query, "n.epic_id IS NULL") {
			return []graph.Record{
				{"elem": "elem-1", "id": "e005_s01"},
				{"elem": "elem-2", "id": "e007_s02_t03"},
				{"elem": "elem-3", "id": "adhoc_260824_s01"},
			}, nil
		}
		return []graph.Record{{"id": "x"}}, nil
	}}
	r := newRunner(q)

	result, err := r.backfillEpicIDs(context.Background(), "acme", false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Migrated)
	assert.Equal(t, 1, result.Skipped, "unstructured ids have no derivable epic")

	var epicIDs []string
	for i, query := range q.queries {
		if strings.Contains(query, "SET n.epic_id") {
			epicIDs = append(epicIDs, q.params[i]["epicId"].(string))
		}
	}
	assert.Equal(t, []string{"e005", "e007"}, epicIDs)
}

func TestCleanupTitlesRepairsOnlyMalformed(t *testing.T) {
	q := &fakeQuerier{handler: func(query string, params map[string]any) ([]graph.Record, error) {
		if strings.Contains(query, "AS title") {
			return []graph.Record{
				{"elem": "elem-1", "id": "e005_s01_t01", "title": `string; // "Wire the webhook"`},
				{"elem": "elem-2", "id": "e005_s01_t02", "title": "[object Object]"},
				{"elem": "elem-3", "id": "e005_s01_t03", "title": "Perfectly fine title"},
			}, nil
		}
		return []graph.Record{{"id": "x"}}, nil
	}}
	r := newRunner(q)

	result, err := r.CleanupTitles(context.Background(), "acme", false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Migrated)
	assert.Equal(t, 1, result.Skipped)

	var titles []string
	for i, query := range q.queries {
		if strings.Contains(query, "SET n.title") {
			titles = append(titles, q.params[i]["title"].(string))
		}
	}
	// elem-1 extracts the quoted title; elem-2 has nothing to extract
	// and falls back to the structured id.
	assert.Equal(t, []string{"Wire the webhook", "Task 2 (Sprint 1)"}, titles)
}

func TestCleanupRejectsUnknownAction(t *testing.T) {
	r := newRunner(&fakeQuerier{})
	_, err := r.Cleanup(context.Background(), "acme", "usr_admin", "everything", true, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCleanupApplyRequiresConfirmToken(t *testing.T) {
	r := newRunner(&fakeQuerier{})
	_, err := r.Cleanup(context.Background(), "acme", "usr_admin", ActionTitles, false, "yes please")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCleanupApplyRequiresAdmin(t *testing.T) {
	r := newRunner(&fakeQuerier{})
	_, err := r.Cleanup(context.Background(), "acme", "usr_mallory", ActionTitles, false, ConfirmToken)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

// Dry-run needs neither the token nor the allowlist.
func TestCleanupDryRunIsOpen(t *testing.T) {
	q := &fakeQuerier{}
	r := newRunner(q)

	report, err := r.Cleanup(context.Background(), "acme", "usr_anyone", ActionAll, true, "")
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.NotNil(t, report.Titles)
	require.NotNil(t, report.Duplicates)
}
