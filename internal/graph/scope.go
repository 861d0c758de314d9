package graph

import (
	"fmt"
	"regexp"
	"time"
)

// The store historically used both graph_id and graphId for the tenant
// property. New writes set both; reads must accept either indefinitely
// because archived data keeps its original spelling.

// TenantClause returns the dual-name scoping predicate for a node
// alias. Every repository and synthesizer query includes it, with the
// tenant passed as the $graphId parameter.
func TenantClause(alias string) string {
	return fmt.Sprintf("(%s.graph_id = $graphId OR %s.graphId = $graphId)", alias, alias)
}

// TenantProps returns the property assignments that converge a node on
// the dual naming convention during writes.
func TenantProps(alias string) string {
	return fmt.Sprintf("%s.graph_id = $graphId, %s.graphId = $graphId", alias, alias)
}

// ArchiveNamespace derives the sibling tenant that holds archived
// duplicate nodes for the given day.
func ArchiveNamespace(tenant string, at time.Time) string {
	return fmt.Sprintf("%s_archive_duplicates_%s", tenant, at.UTC().Format("20060102"))
}

var archivePattern = regexp.MustCompile(`_archive_duplicates_\d{8}$`)

// IsArchiveNamespace reports whether the tenant id names an archive
// namespace.
func IsArchiveNamespace(tenant string) bool {
	return archivePattern.MatchString(tenant)
}
