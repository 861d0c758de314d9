package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphkb/internal/graph"
)

type countingJob struct {
	runs atomic.Int64
	err  error
}

func (j *countingJob) Name() string { return "counting" }
func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsImmediatelyThenOnInterval(t *testing.T) {
	job := &countingJob{}
	s := New(testLogger())
	s.Add(job, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return job.runs.Load() >= 1 }, time.Second, time.Millisecond,
		"first run must not wait a full interval")
	require.Eventually(t, func() bool { return job.runs.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestSchedulerContinuesAfterFailure(t *testing.T) {
	job := &countingJob{err: errors.New("transient")}
	s := New(testLogger())
	s.Add(job, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return job.runs.Load() >= 3 }, time.Second, time.Millisecond,
		"a failing job keeps its cadence")
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	job := &countingJob{}
	s := New(testLogger())
	s.Add(job, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return job.runs.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	time.Sleep(30 * time.Millisecond)
	after := job.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, job.runs.Load(), after+1, "at most one in-flight run after cancel")
}

type fakePinger struct{ err error }

func (p fakePinger) VerifyConnectivity(context.Context) error { return p.err }

func TestProbeJobDelegates(t *testing.T) {
	assert.NoError(t, NewProbeJob(fakePinger{}, testLogger()).Run(context.Background()))
	assert.Error(t, NewProbeJob(fakePinger{err: errors.New("down")}, testLogger()).Run(context.Background()))
}

type fakeQuerier struct {
	rows []graph.Record
	err  error
}

func (f *fakeQuerier) Execute(context.Context, string, map[string]any) ([]graph.Record, error) {
	return f.rows, f.err
}
func (f *fakeQuerier) WithReadTx(ctx context.Context, fn func(tx graph.Tx) error) error  { return nil }
func (f *fakeQuerier) WithWriteTx(ctx context.Context, fn func(tx graph.Tx) error) error { return nil }

func TestDLQSweepSkipsBlankTenants(t *testing.T) {
	q := &fakeQuerier{rows: []graph.Record{{"tenant": ""}}}
	job := NewDLQSweepJob(q, nil, testLogger())
	assert.NoError(t, job.Run(context.Background()), "blank tenants never reach the queue")
}

func TestDLQSweepPropagatesDiscoveryError(t *testing.T) {
	q := &fakeQuerier{err: errors.New("store down")}
	job := NewDLQSweepJob(q, nil, testLogger())
	assert.Error(t, job.Run(context.Background()))
}
