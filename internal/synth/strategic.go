package synth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/graph"
)

// StrategicContextRequest narrows the strategic view.
type StrategicContextRequest struct {
	UserID string
	Tags   []string
	Limit  int
}

// StrategicContextResponse carries charter, team activity, and the
// newest knowledge nodes.
type StrategicContextResponse struct {
	Charter      *Charter       `json:"charter"`
	TeamActivity []events.Event `json:"teamActivity"`
	Patterns     []graph.Node   `json:"patterns"`
	Gotchas      []graph.Node   `json:"gotchas"`
	Decisions    []graph.Node   `json:"decisions"`
	Metadata     Metadata       `json:"metadata"`
}

// StrategicContext loads charter, team activity, and the top-K most
// recently created patterns, gotchas, and decisions, optionally
// filtered by tag intersection. Same parallel discipline and failure
// tolerance as SessionStart.
func (s *Synthesizer) StrategicContext(ctx context.Context, tenant string, req StrategicContextRequest) (*StrategicContextResponse, error) {
	started := s.now()
	limit := req.Limit
	switch {
	case limit < 1:
		limit = 10
	case limit > 50:
		limit = 50
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	resp := &StrategicContextResponse{
		TeamActivity: []events.Event{},
		Patterns:     []graph.Node{},
		Gotchas:      []graph.Node{},
		Decisions:    []graph.Node{},
	}

	g, gctx := errgroup.WithContext(budgetCtx)
	g.Go(func() error {
		c, err := s.loadCharter(gctx, tenant)
		if err != nil {
			s.logger.Warn("strategic-context: charter load failed", "error", err)
			return nil
		}
		resp.Charter = c
		return nil
	})
	g.Go(func() error {
		since := s.now().AddDate(0, 0, -s.cfg.TeamEventDays)
		evs, err := s.store.ListTeamActivity(gctx, tenant, req.UserID, since, s.cfg.TeamEventLimit)
		if err != nil {
			s.logger.Warn("strategic-context: team activity failed", "error", err)
			return nil
		}
		resp.TeamActivity = ensureEvents(evs)
		return nil
	})
	for _, section := range []struct {
		label string
		dest  *[]graph.Node
	}{
		{"Pattern", &resp.Patterns},
		{"Gotcha", &resp.Gotchas},
		{"ADR", &resp.Decisions},
	} {
		section := section
		g.Go(func() error {
			nodes, err := s.newestByLabel(gctx, tenant, section.label, req.Tags, limit)
			if err != nil {
				s.logger.Warn("strategic-context: knowledge load failed", "label", section.label, "error", err)
				return nil
			}
			*section.dest = nodes
			return nil
		})
	}
	_ = g.Wait()

	charterTokens := 0
	if resp.Charter != nil {
		charterTokens = s.cfg.TokenCharter
	}
	knowledge := len(resp.Patterns) + len(resp.Gotchas) + len(resp.Decisions)
	resp.Metadata = Metadata{
		LoadTimeMs: time.Since(started).Milliseconds(),
		TokenEstimate: s.cfg.TokenBase +
			s.cfg.TokenPerTask*knowledge +
			charterTokens +
			s.cfg.TokenPerTeam*len(resp.TeamActivity),
	}
	return resp, nil
}

// newestByLabel returns the most recently created nodes of one label,
// optionally keeping only nodes sharing at least one tag with the
// filter set.
func (s *Synthesizer) newestByLabel(ctx context.Context, tenant, label string, tags []string, limit int) ([]graph.Node, error) {
	if !graph.ValidLabel(label) {
		return nil, fmt.Errorf("unknown node label %q", label)
	}
	where := graph.TenantClause("n") + " AND coalesce(n.deleted, false) = false"
	params := map[string]any{"graphId": tenant, "limit": limit}
	if len(tags) > 0 {
		where += " AND any(tag IN coalesce(n.tags, []) WHERE tag IN $tags)"
		params["tags"] = tags
	}
	query := fmt.Sprintf(`
MATCH (n:%s) WHERE %s
RETURN n
ORDER BY n.createdAt DESC
LIMIT $limit`, label, where)
	rows, err := s.q.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	nodes := make([]graph.Node, 0, len(rows))
	for _, row := range rows {
		if n, ok := graph.AsNode(row["n"]); ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}
