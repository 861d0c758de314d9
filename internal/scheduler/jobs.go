package scheduler

import (
	"context"
	"log/slog"

	"github.com/emergent-company/graphkb/internal/dlq"
	"github.com/emergent-company/graphkb/internal/graph"
)

// DLQSweepJob retries pending dead-letter entries across every tenant
// that has any. Tenants are discovered from the entries themselves, so
// the sweep needs no tenant registry.
type DLQSweepJob struct {
	q      graph.Querier
	queue  *dlq.Queue
	logger *slog.Logger
}

// NewDLQSweepJob creates the sweep job.
func NewDLQSweepJob(q graph.Querier, queue *dlq.Queue, logger *slog.Logger) *DLQSweepJob {
	return &DLQSweepJob{q: q, queue: queue, logger: logger}
}

func (j *DLQSweepJob) Name() string { return "dlq-sweep" }

func (j *DLQSweepJob) Run(ctx context.Context) error {
	rows, err := j.q.Execute(ctx, `
MATCH (d:DeadLetterEntry {status: 'pending'})
RETURN DISTINCT coalesce(d.graph_id, d.graphId) AS tenant`, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		tenant := graph.AsString(row["tenant"])
		if tenant == "" {
			continue
		}
		resolved, err := j.queue.SweepDue(ctx, tenant)
		if err != nil {
			j.logger.Warn("dead-letter sweep failed for tenant", "tenant", tenant, "error", err)
			continue
		}
		if resolved > 0 {
			j.logger.Info("dead-letter sweep resolved entries", "tenant", tenant, "resolved", resolved)
		}
	}
	return nil
}

// Pinger is the connectivity surface of the graph gateway.
type Pinger interface {
	VerifyConnectivity(ctx context.Context) error
}

// ProbeJob checks store connectivity so outages show up in the logs
// before a request hits them.
type ProbeJob struct {
	pinger Pinger
	logger *slog.Logger
}

// NewProbeJob creates the probe job.
func NewProbeJob(pinger Pinger, logger *slog.Logger) *ProbeJob {
	return &ProbeJob{pinger: pinger, logger: logger}
}

func (j *ProbeJob) Name() string { return "store-probe" }

func (j *ProbeJob) Run(ctx context.Context) error {
	return j.pinger.VerifyConnectivity(ctx)
}
