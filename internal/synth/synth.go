// Package synth builds composite session-start and strategic context
// responses. One call replaces the burst of sequential round-trips a
// client would otherwise make at session open, so the fan-out runs in
// parallel under a hard wall-clock budget and absorbs per-query
// failures into empty sections.
package synth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Synthesizer runs the composite context queries.
type Synthesizer struct {
	q      graph.Querier
	store  *events.Store
	cfg    config.SynthConfig
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Synthesizer.
func New(q graph.Querier, store *events.Store, cfg config.SynthConfig, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{q: q, store: store, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (s *Synthesizer) WithClock(now func() time.Time) *Synthesizer {
	s.now = now
	return s
}

// SessionStartRequest names the caller and optional sprint preference.
type SessionStartRequest struct {
	UserID        string
	SprintID      string
	EventLimit    int
	TeamEventDays int
}

// Charter is the project charter summary.
type Charter struct {
	Purpose string   `json:"purpose"`
	Goals   []string `json:"goals"`
}

// TaskContext is the current task with its enrichment sections. The
// sections are always present; a failed or empty enrichment leaves an
// empty list, never a missing field.
type TaskContext struct {
	Task        graph.Node   `json:"task"`
	Patterns    []graph.Node `json:"patterns"`
	Gotchas     []graph.Node `json:"gotchas"`
	Constraints []graph.Node `json:"constraints"`
}

func newTaskContext(task graph.Node) *TaskContext {
	return &TaskContext{
		Task:        task,
		Patterns:    []graph.Node{},
		Gotchas:     []graph.Node{},
		Constraints: []graph.Node{},
	}
}

// SprintContext is the resolved active sprint with its surroundings.
type SprintContext struct {
	Sprint      graph.Node   `json:"sprint"`
	Epic        *graph.Node  `json:"epic,omitempty"`
	Tasks       []graph.Node `json:"tasks"`
	CurrentTask *TaskContext `json:"currentTask,omitempty"`
}

// Metadata reports how the synthesis went.
type Metadata struct {
	LoadTimeMs    int64 `json:"loadTimeMs"`
	SprintFound   bool  `json:"sprintFound"`
	TaskCount     int   `json:"taskCount"`
	EventCount    int   `json:"eventCount"`
	TokenEstimate int   `json:"tokenEstimate"`
}

// SessionStartResponse is the composite payload.
type SessionStartResponse struct {
	ActiveSprint *SprintContext `json:"activeSprint"`
	RecentEvents []events.Event `json:"recentEvents"`
	Charter      *Charter       `json:"charter"`
	TeamActivity []events.Event `json:"teamActivity"`
	Epic         *graph.Node    `json:"epic,omitempty"`
	Metadata     Metadata       `json:"metadata"`
}

// SessionStart runs the four-way fan-out, the conditional enrichment
// for the current task, and the reduction. The whole call is bounded by
// the configured budget; a section whose query fails or times out comes
// back empty rather than failing the response.
func (s *Synthesizer) SessionStart(ctx context.Context, tenant string, req SessionStartRequest) (*SessionStartResponse, error) {
	started := s.now()
	eventLimit := req.EventLimit
	if eventLimit < 1 {
		eventLimit = s.cfg.EventLimit
	}
	teamDays := req.TeamEventDays
	if teamDays < 1 {
		teamDays = s.cfg.TeamEventDays
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	var (
		sprint  *SprintContext
		recent  []events.Event
		charter *Charter
		team    []events.Event
	)

	g, gctx := errgroup.WithContext(budgetCtx)
	g.Go(func() error {
		sc, err := s.resolveActiveSprint(gctx, tenant, req.SprintID)
		if err != nil {
			s.logger.Warn("session-start: sprint resolution failed", "error", err)
			return nil
		}
		sprint = sc
		return nil
	})
	g.Go(func() error {
		evs, err := s.store.ListForUser(gctx, tenant, req.UserID, eventLimit)
		if err != nil {
			s.logger.Warn("session-start: recent events failed", "error", err)
			return nil
		}
		recent = evs
		return nil
	})
	g.Go(func() error {
		c, err := s.loadCharter(gctx, tenant)
		if err != nil {
			s.logger.Warn("session-start: charter load failed", "error", err)
			return nil
		}
		charter = c
		return nil
	})
	g.Go(func() error {
		since := s.now().AddDate(0, 0, -teamDays)
		evs, err := s.store.ListTeamActivity(gctx, tenant, req.UserID, since, s.cfg.TeamEventLimit)
		if err != nil {
			s.logger.Warn("session-start: team activity failed", "error", err)
			return nil
		}
		team = evs
		return nil
	})
	_ = g.Wait() // goroutines never return errors; failures are absorbed above

	if sprint != nil && sprint.CurrentTask != nil {
		s.enrichCurrentTask(budgetCtx, tenant, sprint.CurrentTask)
	}

	resp := &SessionStartResponse{
		ActiveSprint: sprint,
		RecentEvents: ensureEvents(recent),
		Charter:      charter,
		TeamActivity: ensureEvents(team),
	}
	taskCount := 0
	if sprint != nil {
		taskCount = len(sprint.Tasks)
		resp.Epic = sprint.Epic
	}
	charterTokens := 0
	if charter != nil {
		charterTokens = s.cfg.TokenCharter
	}
	resp.Metadata = Metadata{
		LoadTimeMs:  time.Since(started).Milliseconds(),
		SprintFound: sprint != nil,
		TaskCount:   taskCount,
		EventCount:  len(resp.RecentEvents),
		TokenEstimate: s.cfg.TokenBase +
			s.cfg.TokenPerTask*taskCount +
			s.cfg.TokenPerEvent*len(resp.RecentEvents) +
			charterTokens +
			s.cfg.TokenPerTeam*len(resp.TeamActivity),
	}
	return resp, nil
}

// loadCharter reads {purpose, goals} from the single Charter node.
func (s *Synthesizer) loadCharter(ctx context.Context, tenant string) (*Charter, error) {
	rows, err := s.q.Execute(ctx, `
MATCH (c:Charter) WHERE (c.graph_id = $graphId OR c.graphId = $graphId)
RETURN c LIMIT 1`, map[string]any{"graphId": tenant})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	node, ok := graph.AsNode(rows[0]["c"])
	if !ok {
		return nil, nil
	}
	return &Charter{
		Purpose: graph.AsString(node.Props["purpose"]),
		Goals:   graph.AsStrings(node.Props["goals"]),
	}, nil
}

func ensureEvents(evs []events.Event) []events.Event {
	if evs == nil {
		return []events.Event{}
	}
	return evs
}
