package repo

import (
	"context"
	"fmt"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Relationship is the caller-facing edge shape.
type Relationship struct {
	Type       string         `json:"type"`
	FromID     string         `json:"fromId"`
	ToID       string         `json:"toId"`
	Properties map[string]any `json:"properties,omitempty"`
}

// CreateRelationship MERGEs a typed edge between two existing nodes in
// the tenant. Returns whether the edge was created; a repeat call is a
// no-op.
func (r *Repository) CreateRelationship(ctx context.Context, tenant, fromID, toID, relType string, props map[string]any) (bool, error) {
	if fromID == "" || toID == "" {
		return false, apperr.Validation("relationship endpoints are required")
	}
	if !graph.ValidRelType(relType) {
		return false, apperr.Validation("unknown relationship type %q", relType)
	}
	if props == nil {
		props = map[string]any{}
	}

	query := fmt.Sprintf(`
MATCH (a {id: $fromId}) WHERE %s
MATCH (b {id: $toId}) WHERE %s
MERGE (a)-[rel:%s]->(b)
ON CREATE SET rel.__created = true
ON MATCH SET rel.__created = false
SET rel += $props
WITH rel, rel.__created AS created
REMOVE rel.__created
RETURN created`, graph.TenantClause("a"), graph.TenantClause("b"), relType)

	rows, err := r.q.Execute(ctx, query, map[string]any{
		"fromId":  fromID,
		"toId":    toID,
		"graphId": tenant,
		"props":   props,
	})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, apperr.NotFound("relationship endpoint missing: %s or %s", fromID, toID)
	}
	return graph.AsBool(rows[0]["created"]), nil
}

// ListRelationships returns the edges incident to a node. Direction is
// "out", "in", or "" for both.
func (r *Repository) ListRelationships(ctx context.Context, tenant, nodeID, direction string) ([]Relationship, error) {
	if nodeID == "" {
		return nil, apperr.Validation("node id is required")
	}

	var pattern string
	switch direction {
	case "out":
		pattern = "(n)-[rel]->(other)"
	case "in":
		pattern = "(n)<-[rel]-(other)"
	case "", "both":
		pattern = "(n)-[rel]-(other)"
	default:
		return nil, apperr.Validation("direction must be in, out, or both")
	}

	query := fmt.Sprintf(`
MATCH (n {id: $id}) WHERE %s
MATCH %s
RETURN rel, startNode(rel).id AS fromId, endNode(rel).id AS toId`, graph.TenantClause("n"), pattern)
	rows, err := r.q.Execute(ctx, query, map[string]any{"id": nodeID, "graphId": tenant})
	if err != nil {
		return nil, err
	}

	out := make([]Relationship, 0, len(rows))
	for _, row := range rows {
		rel, ok := graph.AsRel(row["rel"])
		if !ok {
			continue
		}
		out = append(out, Relationship{
			Type:       rel.Type,
			FromID:     graph.AsString(row["fromId"]),
			ToID:       graph.AsString(row["toId"]),
			Properties: rel.Props,
		})
	}
	return out, nil
}
