package repo

import (
	"context"
	"fmt"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// ListFilters narrows ListNodes. Limit is clamped to [1,100]; a tags
// filter is applied in memory after the fetch.
type ListFilters struct {
	Label  string
	Status string
	Tags   []string
	Limit  int
	Offset int
}

// GetNode returns a node by user-visible id within the tenant, or nil
// when absent. Absence is not an error; callers that require existence
// wrap it as NotFound.
func (r *Repository) GetNode(ctx context.Context, tenant, id string) (*graph.Node, error) {
	if id == "" {
		return nil, apperr.Validation("node id is required")
	}
	query := fmt.Sprintf(`
MATCH (n {id: $id}) WHERE %s AND coalesce(n.deleted, false) = false
RETURN n LIMIT 1`, graph.TenantClause("n"))
	rows, err := r.q.Execute(ctx, query, map[string]any{"id": id, "graphId": tenant})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	node, ok := graph.AsNode(rows[0]["n"])
	if !ok {
		return nil, apperr.Internal(nil, "node query returned a non-node value")
	}
	return &node, nil
}

// MustGetNode is GetNode with existence required.
func (r *Repository) MustGetNode(ctx context.Context, tenant, id string) (*graph.Node, error) {
	node, err := r.GetNode(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, apperr.NotFound("node %s not found", id)
	}
	return node, nil
}

// ListNodes returns nodes matching the filters, newest first.
func (r *Repository) ListNodes(ctx context.Context, tenant string, filters ListFilters) ([]graph.Node, error) {
	limit := filters.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	match := "(n)"
	if filters.Label != "" {
		if !graph.ValidLabel(filters.Label) {
			return nil, apperr.Validation("unknown node label %q", filters.Label)
		}
		match = fmt.Sprintf("(n:%s)", filters.Label)
	}
	where := graph.TenantClause("n") + " AND coalesce(n.deleted, false) = false"
	params := map[string]any{
		"graphId": tenant,
		"offset":  offset,
		"limit":   limit,
	}
	if filters.Status != "" {
		where += " AND n.status = $status"
		params["status"] = filters.Status
	}

	query := fmt.Sprintf(`
MATCH %s WHERE %s
RETURN n
ORDER BY coalesce(n.updatedAt, n.createdAt) DESC, n.id ASC
SKIP $offset LIMIT $limit`, match, where)
	rows, err := r.q.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}

	nodes := make([]graph.Node, 0, len(rows))
	for _, row := range rows {
		node, ok := graph.AsNode(row["n"])
		if !ok {
			continue
		}
		if len(filters.Tags) > 0 && !hasAnyTag(node, filters.Tags) {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// hasAnyTag reports whether the node's tags intersect the wanted set.
func hasAnyTag(node graph.Node, wanted []string) bool {
	tags := graph.AsStrings(node.Props["tags"])
	for _, t := range tags {
		for _, w := range wanted {
			if t == w {
				return true
			}
		}
	}
	return false
}

// SoftDelete marks a node deleted without removing it; reads exclude
// soft-deleted nodes.
func (r *Repository) SoftDelete(ctx context.Context, tenant, id, principal string) error {
	query := fmt.Sprintf(`
MATCH (n {id: $id}) WHERE %s
SET n.deleted = true, n.deletedAt = $now, n.updatedBy = $principal
RETURN n.id AS id`, graph.TenantClause("n"))
	rows, err := r.q.Execute(ctx, query, map[string]any{
		"id":        id,
		"graphId":   tenant,
		"now":       graph.FormatTime(r.now()),
		"principal": principal,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apperr.NotFound("node %s not found", id)
	}
	return nil
}

// NodeGraph expands the relationship neighborhood of a node up to
// depth hops. Depth is clamped to 5; the depth literal is validated
// before interpolation since Cypher cannot parameterize path lengths.
func (r *Repository) NodeGraph(ctx context.Context, tenant, id string, depth int) ([]graph.Node, []graph.Rel, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}
	query := fmt.Sprintf(`
MATCH (root {id: $id}) WHERE %s
OPTIONAL MATCH p = (root)-[*1..%d]-(m)
WHERE %s
WITH root, collect(p) AS paths
RETURN root, paths`, graph.TenantClause("root"), depth, graph.TenantClause("m"))
	rows, err := r.q.Execute(ctx, query, map[string]any{"id": id, "graphId": tenant})
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, apperr.NotFound("node %s not found", id)
	}

	nodesByElem := map[string]graph.Node{}
	relsByElem := map[string]graph.Rel{}
	if root, ok := graph.AsNode(rows[0]["root"]); ok {
		nodesByElem[root.ElementID] = root
	}
	if paths, ok := rows[0]["paths"].([]any); ok {
		for _, p := range paths {
			collectPath(p, nodesByElem, relsByElem)
		}
	}

	nodes := make([]graph.Node, 0, len(nodesByElem))
	for _, n := range nodesByElem {
		nodes = append(nodes, n)
	}
	rels := make([]graph.Rel, 0, len(relsByElem))
	for _, rel := range relsByElem {
		rels = append(rels, rel)
	}
	return nodes, rels, nil
}

// collectPath walks a normalized path value gathering nodes and
// relationships. Paths normalize to nested slices of Node/Rel values.
func collectPath(v any, nodes map[string]graph.Node, rels map[string]graph.Rel) {
	switch t := v.(type) {
	case graph.Node:
		nodes[t.ElementID] = t
	case graph.Rel:
		rels[t.ElementID] = t
	case []any:
		for _, e := range t {
			collectPath(e, nodes, rels)
		}
	case map[string]any:
		for _, e := range t {
			collectPath(e, nodes, rels)
		}
	}
}
