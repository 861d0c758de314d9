package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Relationship kinds assigned from similarity scores.
const (
	RelDuplicate = "DUPLICATE_OF"
	RelHigh      = "HIGHLY_RELATED_TO"
	RelMedium    = "RELATED_TO"
	RelLoose     = "LOOSELY_RELATED_TO"
)

// Service runs semantic search against the vector index.
type Service struct {
	q        graph.Querier
	embedder Embedder
	cfg      config.SearchConfig
	logger   *slog.Logger
}

// NewService creates the search service.
func NewService(q graph.Querier, embedder Embedder, cfg config.SearchConfig, logger *slog.Logger) *Service {
	return &Service{q: q, embedder: embedder, cfg: cfg, logger: logger}
}

// Options narrows a search.
type Options struct {
	Label    string
	Status   string
	Limit    int
	MinScore float64
}

// Result is one scored node with its assigned relationship kind.
type Result struct {
	Node             graph.Node `json:"node"`
	Score            float64    `json:"score"`
	RelationshipType string     `json:"relationshipType"`
}

// Search embeds the query, asks the vector index for the top 2·limit
// candidates in the tenant, filters by minimum score, and assigns
// relationship kinds from the configured thresholds.
func (s *Service) Search(ctx context.Context, tenant, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation("search query is required")
	}
	if opts.Label != "" && !graph.ValidLabel(opts.Label) {
		return nil, apperr.Validation("unknown node label %q", opts.Label)
	}
	limit := opts.Limit
	if limit < 1 {
		limit = s.cfg.DefaultLimit
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = s.cfg.MinScore
	}

	vectors, err := s.embedder.Embed(ctx, []string{query}, KindQuery)
	if err != nil {
		return nil, apperr.Internal(err, "embedding provider failed (retryable)")
	}
	qv := make([]any, len(vectors[0]))
	for i, f := range vectors[0] {
		qv[i] = float64(f)
	}

	params := map[string]any{
		"index":     s.cfg.VectorIndex,
		"k":         int64(2 * limit),
		"embedding": qv,
		"graphId":   tenant,
		"label":     nullable(opts.Label),
		"status":    nullable(opts.Status),
	}
	rows, err := s.q.Execute(ctx, `
CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score
WHERE (node.graph_id = $graphId OR node.graphId = $graphId)
  AND coalesce(node.deleted, false) = false
  AND ($label IS NULL OR $label IN labels(node))
  AND ($status IS NULL OR node.status = $status)
RETURN node, score
ORDER BY score DESC`, params)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "index") {
			return nil, apperr.Unavailable(err, "vector index %s unavailable", s.cfg.VectorIndex)
		}
		return nil, err
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		node, ok := graph.AsNode(row["node"])
		if !ok {
			continue
		}
		score := graph.AsFloat64(row["score"])
		if score < minScore {
			continue
		}
		results = append(results, Result{
			Node:             node,
			Score:            score,
			RelationshipType: s.relationshipFor(score),
		})
	}

	// Equal scores order by recency, then id, so results are stable.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		iu := graph.AsTime(results[i].Node.Props["updatedAt"])
		ju := graph.AsTime(results[j].Node.Props["updatedAt"])
		if !iu.Equal(ju) {
			return iu.After(ju)
		}
		return graph.AsString(results[i].Node.Props["id"]) < graph.AsString(results[j].Node.Props["id"])
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// relationshipFor maps a similarity score to a relationship kind.
func (s *Service) relationshipFor(score float64) string {
	switch {
	case score >= s.cfg.DuplicateThreshold:
		return RelDuplicate
	case score >= s.cfg.HighThreshold:
		return RelHigh
	case score >= s.cfg.MediumThreshold:
		return RelMedium
	default:
		return RelLoose
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
