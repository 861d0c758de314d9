// Package scheduler runs the periodic background jobs: the dead-letter
// sweep and the store connectivity probe.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job is a named periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals. Each job gets its own
// goroutine; a failing run is logged and the cadence continues.
type Scheduler struct {
	logger *slog.Logger
	jobs   []scheduledJob
}

type scheduledJob struct {
	job      Job
	interval time.Duration
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers a job to run at the given interval.
func (s *Scheduler) Add(job Job, interval time.Duration) {
	s.jobs = append(s.jobs, scheduledJob{job: job, interval: interval})
}

// Start launches all jobs and returns. Jobs stop when ctx is
// cancelled; each runs once immediately so a restart does not delay
// overdue work by a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	for _, sj := range s.jobs {
		go s.loop(ctx, sj)
	}
}

func (s *Scheduler) loop(ctx context.Context, sj scheduledJob) {
	s.logger.Info("starting scheduled job", "job", sj.job.Name(), "interval", sj.interval)
	s.runOnce(ctx, sj.job)

	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, sj.job)
		case <-ctx.Done():
			s.logger.Info("scheduled job stopped", "job", sj.job.Name())
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Debug("running scheduled job", "job", job.Name())
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", job.Name(), "error", err)
	}
}
