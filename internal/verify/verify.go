// Package verify persists task verification results and human quality
// overrides. Both record types are append-only audit rows: they are
// never edited, never deleted, and never rolled back even when a
// follow-up task mutation fails.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Criterion is one verification check outcome.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Details     string `json:"details,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// VerifyResult is the persisted verification outcome.
type VerifyResult struct {
	TaskID    string      `json:"taskId"`
	Passed    bool        `json:"passed"`
	Timestamp string      `json:"timestamp"`
	Criteria  []Criterion `json:"criteria"`
	Summary   string      `json:"summary"`
}

// OverrideResult reports a quality override.
type OverrideResult struct {
	TaskID     string `json:"taskId"`
	OverrideID string `json:"overrideId"`
	Timestamp  string `json:"timestamp"`
	// TaskUpdated is false when the override record was written but
	// the follow-up status mutation failed; operators reconcile.
	TaskUpdated bool `json:"taskUpdated"`
}

// Service runs verification and override writes.
type Service struct {
	q      graph.Querier
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service.
func New(q graph.Querier, logger *slog.Logger) *Service {
	return &Service{q: q, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Verify persists a VerificationResult for the task and links it with
// VERIFIED_BY. The aggregate passes only when every criterion passed.
func (s *Service) Verify(ctx context.Context, tenant, taskID string, criteria []Criterion) (*VerifyResult, error) {
	if taskID == "" {
		return nil, apperr.Validation("task id is required")
	}
	if len(criteria) == 0 {
		return nil, apperr.Validation("at least one criterion is required")
	}

	passed := true
	failed := 0
	for _, c := range criteria {
		if !c.Passed {
			passed = false
			failed++
		}
	}
	summary := fmt.Sprintf("%d/%d criteria passed", len(criteria)-failed, len(criteria))

	serialized, err := json.Marshal(criteria)
	if err != nil {
		return nil, apperr.Internal(err, "serialize criteria")
	}
	timestamp := graph.FormatTime(s.now())

	query := fmt.Sprintf(`
MATCH (t:Task {id: $taskId}) WHERE %s
CREATE (v:VerificationResult {
  id: $id, graph_id: $graphId, graphId: $graphId,
  task_id: $taskId, passed: $passed, timestamp: $timestamp,
  criteria_passed: $criteriaPassed, criteria_total: $criteriaTotal,
  summary: $summary, criteria: $criteria
})
CREATE (t)-[:VERIFIED_BY]->(v)
RETURN v.id AS id`, graph.TenantClause("t"))
	rows, err := s.q.Execute(ctx, query, map[string]any{
		"taskId":         taskID,
		"graphId":        tenant,
		"id":             "ver_" + uuid.NewString(),
		"passed":         passed,
		"timestamp":      timestamp,
		"criteriaPassed": len(criteria) - failed,
		"criteriaTotal":  len(criteria),
		"summary":        summary,
		"criteria":       string(serialized),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("task %s not found", taskID)
	}

	s.logger.Info("verification recorded", "task_id", taskID, "passed", passed, "criteria", len(criteria))
	return &VerifyResult{
		TaskID:    taskID,
		Passed:    passed,
		Timestamp: timestamp,
		Criteria:  criteria,
		Summary:   summary,
	}, nil
}

// Override records a human quality override for the task and marks it
// complete. Only principals resolving to a User node may override;
// agents cannot override their own verification. The override record
// is written first and survives even if the task mutation fails.
func (s *Service) Override(ctx context.Context, tenant, taskID, principal, reason string) (*OverrideResult, error) {
	if taskID == "" {
		return nil, apperr.Validation("task id is required")
	}
	if reason == "" {
		return nil, apperr.Validation("override reason is required")
	}

	if err := s.requireHuman(ctx, tenant, principal); err != nil {
		return nil, err
	}

	timestamp := graph.FormatTime(s.now())
	overrideID := "ovr_" + uuid.NewString()

	query := fmt.Sprintf(`
MATCH (t:Task {id: $taskId}) WHERE %s
MATCH (u:User {id: $userId}) WHERE %s
CREATE (o:QualityOverride {
  id: $id, graph_id: $graphId, graphId: $graphId,
  reason: $reason, timestamp: $timestamp,
  user_id: $userId, task_id: $taskId
})
CREATE (t)-[:OVERRIDDEN_BY]->(o)
CREATE (u)-[:PERFORMED_OVERRIDE]->(o)
RETURN o.id AS id`, graph.TenantClause("t"), graph.TenantClause("u"))
	rows, err := s.q.Execute(ctx, query, map[string]any{
		"taskId":    taskID,
		"userId":    principal,
		"graphId":   tenant,
		"id":        overrideID,
		"reason":    reason,
		"timestamp": timestamp,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("task %s not found", taskID)
	}

	result := &OverrideResult{TaskID: taskID, OverrideID: overrideID, Timestamp: timestamp, TaskUpdated: true}

	// The override record above is the audit trail; a failure here is
	// reported, not rolled back.
	statusQuery := fmt.Sprintf(`
MATCH (t:Task {id: $taskId}) WHERE %s
SET t.status = 'complete', t.completed_at = $timestamp, t.quality_override = true
RETURN t.id AS id`, graph.TenantClause("t"))
	if _, err := s.q.Execute(ctx, statusQuery, map[string]any{
		"taskId": taskID, "graphId": tenant, "timestamp": timestamp,
	}); err != nil {
		s.logger.Error("override recorded but task status mutation failed",
			"task_id", taskID, "override_id", overrideID, "error", err)
		result.TaskUpdated = false
	}

	s.logger.Info("quality override recorded", "task_id", taskID, "override_id", overrideID, "user_id", principal)
	return result, nil
}

// requireHuman checks the principal resolves to a User node and not an
// Agent node within the tenant.
func (s *Service) requireHuman(ctx context.Context, tenant, principal string) error {
	if principal == "" {
		return apperr.Unauthorized("principal is required")
	}
	query := fmt.Sprintf(`
MATCH (p {id: $userId}) WHERE %s
RETURN labels(p) AS kinds`, graph.TenantClause("p"))
	rows, err := s.q.Execute(ctx, query, map[string]any{"userId": principal, "graphId": tenant})
	if err != nil {
		return err
	}

	isUser := false
	for _, row := range rows {
		for _, kind := range graph.AsStrings(row["kinds"]) {
			switch kind {
			case "Agent":
				return apperr.Forbidden("Only human users can override verification; %s is an agent", principal)
			case "User":
				isUser = true
			}
		}
	}
	if !isUser {
		return apperr.Forbidden("Only human users can override verification; %s does not resolve to a user", principal)
	}
	return nil
}
