// Package dedup reconciles structural duplicates: two nodes created by
// different write paths (task-sync vs document-upload) that share a
// canonical identity but have distinct storage element identifiers.
// The survivor keeps both nodes' edges and any properties it was
// missing; losers are archived to a sibling tenant, never deleted.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
	"github.com/emergent-company/graphkb/internal/repo"
)

// Reconciler finds and merges duplicate groups.
type Reconciler struct {
	q      graph.Querier
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Reconciler.
func New(q graph.Querier, logger *slog.Logger) *Reconciler {
	return &Reconciler{q: q, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// candidate is one node in a duplicate group. neighborElems holds the
// element id on the far side of each incident edge, one entry per
// edge, so parallel edges stay countable.
type candidate struct {
	elementID     string
	id            string
	props         map[string]any
	relCount      int64
	neighborElems []string
}

// GroupResult reports one merged (or previewed) duplicate group.
type GroupResult struct {
	Type                     string   `json:"type"`
	CanonicalID              string   `json:"canonicalId"`
	SurvivorID               string   `json:"survivorId"`
	OrphanIDs                []string `json:"orphanId"`
	RelationshipsTransferred int      `json:"relationshipsTransferred"`
	PropertiesMerged         int      `json:"propertiesMerged"`
	Error                    string   `json:"error,omitempty"`
}

// Report summarizes a reconciliation run.
type Report struct {
	DryRun  bool          `json:"dryRun"`
	Merged  int           `json:"merged"`
	Details []GroupResult `json:"details"`
}

// contentFields are typically contributed by the document-upload path
// while structural fields come from task-sync; they are always filled
// from the loser when the survivor has no value.
var contentFields = []string{"content", "summary", "embedding", "embedding_model"}

// Reconcile scans the given labels (Sprint and Epic by default) for
// duplicate groups and merges each group in its own write transaction.
// A group failure aborts only that group.
func (r *Reconciler) Reconcile(ctx context.Context, tenant string, labels []string, dryRun bool) (*Report, error) {
	if graph.IsArchiveNamespace(tenant) {
		return nil, apperr.Validation("tenant %q is an archive namespace; reconciling it would re-merge archived losers", tenant)
	}
	if len(labels) == 0 {
		labels = []string{"Sprint", "Epic"}
	}
	report := &Report{DryRun: dryRun, Details: []GroupResult{}}

	for _, label := range labels {
		if !graph.ValidLabel(label) {
			return nil, apperr.Validation("unknown node label %q", label)
		}
		groups, err := r.findGroups(ctx, tenant, label)
		if err != nil {
			return nil, err
		}
		for canonical, members := range groups {
			if len(members) < 2 {
				continue
			}
			rank(members)
			survivor, losers := members[0], members[1:]
			detail := GroupResult{
				Type:        label,
				CanonicalID: canonical,
				SurvivorID:  fmt.Sprintf("%s (%s)", survivor.id, survivor.elementID),
			}
			for _, l := range losers {
				detail.OrphanIDs = append(detail.OrphanIDs, l.elementID)
			}

			if dryRun {
				for _, l := range losers {
					detail.PropertiesMerged += len(missingProps(survivor, l))
					detail.RelationshipsTransferred += transferableEdges(survivor, l)
				}
				report.Details = append(report.Details, detail)
				report.Merged++
				continue
			}

			if err := r.mergeGroup(ctx, tenant, survivor, losers, &detail); err != nil {
				detail.Error = err.Error()
				r.logger.Error("duplicate merge failed; group left in place",
					"label", label, "canonical", canonical, "error", err)
				report.Details = append(report.Details, detail)
				continue
			}
			report.Details = append(report.Details, detail)
			report.Merged++
		}
	}

	sort.Slice(report.Details, func(i, j int) bool {
		if report.Details[i].Type != report.Details[j].Type {
			return report.Details[i].Type < report.Details[j].Type
		}
		return report.Details[i].CanonicalID < report.Details[j].CanonicalID
	})
	return report, nil
}

// findGroups loads all live nodes of the label in the tenant and
// buckets them by canonical id.
func (r *Reconciler) findGroups(ctx context.Context, tenant, label string) (map[string][]*candidate, error) {
	query := fmt.Sprintf(`
MATCH (n:%s) WHERE %s AND coalesce(n.deleted, false) = false
OPTIONAL MATCH (n)-[rel]-(m)
RETURN n, count(rel) AS relCount, collect(elementId(m)) AS neighborElems`, label, graph.TenantClause("n"))
	rows, err := r.q.Execute(ctx, query, map[string]any{"graphId": tenant})
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*candidate)
	for _, row := range rows {
		node, ok := graph.AsNode(row["n"])
		if !ok {
			continue
		}
		c := &candidate{
			elementID:     node.ElementID,
			id:            graph.AsString(node.Props["id"]),
			props:         node.Props,
			relCount:      graph.AsInt64(row["relCount"]),
			neighborElems: graph.AsStrings(row["neighborElems"]),
		}
		var canonical string
		switch label {
		case "Sprint":
			canonical = repo.CanonicalSprintID(c.id, graph.AsString(node.Props["sprint_id"]))
		case "Epic":
			canonical = repo.CanonicalEpicID(c.id, graph.AsString(node.Props["epic_id"]))
		default:
			canonical = c.id
		}
		if canonical == "" {
			continue
		}
		groups[canonical] = append(groups[canonical], c)
	}
	return groups, nil
}

// rank orders a group best-first: recency, then title presence, then
// relationship count, then populated property count, with element id
// as the deterministic tiebreaker.
func rank(members []*candidate) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		at, bt := recency(a), recency(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		ah, bh := hasTitle(a), hasTitle(b)
		if ah != bh {
			return ah
		}
		if a.relCount != b.relCount {
			return a.relCount > b.relCount
		}
		ap, bp := populatedCount(a), populatedCount(b)
		if ap != bp {
			return ap > bp
		}
		return a.elementID < b.elementID
	})
}

// transferableEdges counts the loser edges a merge would move to the
// survivor. Edges between the loser and the survivor become self-loops
// and are dropped instead, so they never count.
func transferableEdges(survivor, loser *candidate) int {
	n := 0
	for _, elem := range loser.neighborElems {
		if elem != survivor.elementID {
			n++
		}
	}
	return n
}

func recency(c *candidate) time.Time {
	updated := graph.AsTime(c.props["updatedAt"])
	created := graph.AsTime(c.props["createdAt"])
	if updated.After(created) {
		return updated
	}
	return created
}

func hasTitle(c *candidate) bool {
	return graph.AsString(c.props["title"]) != ""
}

func populatedCount(c *candidate) int {
	n := 0
	for _, v := range c.props {
		if !isEmpty(v) {
			n++
		}
	}
	return n
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// missingProps returns the loser properties the survivor lacks.
// Tenant, identity, and audit fields never transfer.
func missingProps(survivor, loser *candidate) map[string]any {
	skip := map[string]struct{}{
		"id": {}, "graph_id": {}, "graphId": {},
		"createdAt": {}, "createdBy": {}, "updatedAt": {}, "updatedBy": {},
		"archived_from": {}, "archived_at": {}, "archived_reason": {}, "kept_element_id": {},
	}
	out := map[string]any{}
	for k, v := range loser.props {
		if _, skipped := skip[k]; skipped || isEmpty(v) {
			continue
		}
		if isEmpty(survivor.props[k]) {
			out[k] = v
		}
	}
	// Content-bearing fields keep the same fill rule but are checked
	// explicitly so a survivor with them already set is never clobbered.
	for _, f := range contentFields {
		if !isEmpty(loser.props[f]) && isEmpty(survivor.props[f]) {
			out[f] = loser.props[f]
		}
	}
	return out
}

// mergeGroup merges all losers into the survivor inside one write
// transaction, so readers never observe a half-migrated edge.
func (r *Reconciler) mergeGroup(ctx context.Context, tenant string, survivor *candidate, losers []*candidate, detail *GroupResult) error {
	archiveNS := graph.ArchiveNamespace(tenant, r.now())
	now := graph.FormatTime(r.now())

	return r.q.WithWriteTx(ctx, func(tx graph.Tx) error {
		for _, loser := range losers {
			fill := missingProps(survivor, loser)
			if len(fill) > 0 {
				_, err := tx.Run(ctx, `
MATCH (s) WHERE elementId(s) = $elem
SET s += $props
RETURN s`, map[string]any{"elem": survivor.elementID, "props": fill})
				if err != nil {
					return fmt.Errorf("merging properties: %w", err)
				}
				detail.PropertiesMerged += len(fill)
				// Keep the in-memory survivor current for later losers.
				for k, v := range fill {
					survivor.props[k] = v
				}
			}

			transferred, err := r.transferEdges(ctx, tx, survivor.elementID, loser.elementID)
			if err != nil {
				return fmt.Errorf("transferring edges: %w", err)
			}
			detail.RelationshipsTransferred += transferred

			_, err = tx.Run(ctx, `
MATCH (l) WHERE elementId(l) = $elem
SET l.graph_id = $archive, l.graphId = $archive,
    l.archived_from = $tenant, l.archived_at = $now,
    l.archived_reason = 'duplicate_cleanup', l.kept_element_id = $survivor
RETURN l`, map[string]any{
				"elem":     loser.elementID,
				"archive":  archiveNS,
				"tenant":   tenant,
				"now":      now,
				"survivor": survivor.elementID,
			})
			if err != nil {
				return fmt.Errorf("archiving loser %s: %w", loser.elementID, err)
			}
		}
		return nil
	})
}

// transferEdges recreates every edge incident to the loser on the
// survivor. Relationship types cannot be parameterized in Cypher, so
// the whitelisted types are iterated; each recreated edge is a fresh
// CREATE carrying the original property bag, which preserves any
// pre-existing survivor edge of the same type rather than coalescing.
func (r *Reconciler) transferEdges(ctx context.Context, tx graph.Tx, survivorElem, loserElem string) (int, error) {
	total := 0
	for _, relType := range []string{
		"CONTAINS", "BELONGS_TO", "HAS_CRITERION", "IMPLEMENTS",
		"APPLIES_PATTERN", "AVOID_GOTCHA", "MUST_FOLLOW", "VERIFIED_BY",
		"OVERRIDDEN_BY", "PERFORMED_OVERRIDE", "NEXT_TASK", "MIGRATED_REL",
	} {
		incoming := fmt.Sprintf(`
MATCH (x)-[old:%s]->(l) WHERE elementId(l) = $loser AND elementId(x) <> $survivor
MATCH (s) WHERE elementId(s) = $survivor
CREATE (x)-[fresh:%s]->(s)
SET fresh = properties(old)
DELETE old
RETURN count(fresh) AS moved`, relType, relType)
		moved, err := r.runTransfer(ctx, tx, incoming, survivorElem, loserElem)
		if err != nil {
			return total, err
		}
		total += moved

		outgoing := fmt.Sprintf(`
MATCH (l)-[old:%s]->(x) WHERE elementId(l) = $loser AND elementId(x) <> $survivor
MATCH (s) WHERE elementId(s) = $survivor
CREATE (s)-[fresh:%s]->(x)
SET fresh = properties(old)
DELETE old
RETURN count(fresh) AS moved`, relType, relType)
		moved, err = r.runTransfer(ctx, tx, outgoing, survivorElem, loserElem)
		if err != nil {
			return total, err
		}
		total += moved
	}

	// Edges between group members themselves would become self-loops;
	// drop them instead of transferring.
	_, err := tx.Run(ctx, `
MATCH (l)-[old]-(s) WHERE elementId(l) = $loser AND elementId(s) = $survivor
DELETE old
RETURN count(old) AS dropped`, map[string]any{"loser": loserElem, "survivor": survivorElem})
	if err != nil {
		return total, err
	}
	return total, nil
}

func (r *Reconciler) runTransfer(ctx context.Context, tx graph.Tx, query, survivorElem, loserElem string) (int, error) {
	rows, err := tx.Run(ctx, query, map[string]any{"survivor": survivorElem, "loser": loserElem})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(graph.AsInt64(rows[0]["moved"])), nil
}
