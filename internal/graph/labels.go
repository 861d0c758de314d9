package graph

// Node labels and relationship types are the only identifiers ever
// interpolated into query text, and only after validation against
// these sets. Everything else is parameterized.

var nodeLabels = map[string]struct{}{
	"Epic":               {},
	"Sprint":             {},
	"Task":               {},
	"ADR":                {},
	"PRD":                {},
	"Charter":            {},
	"Principle":          {},
	"ContextModule":      {},
	"Pattern":            {},
	"Gotcha":             {},
	"Event":              {},
	"DeadLetterEntry":    {},
	"VerificationResult": {},
	"QualityOverride":    {},
	"User":               {},
	"Agent":              {},
	"Graph":              {},
}

var relTypes = map[string]struct{}{
	"CONTAINS":           {},
	"BELONGS_TO":         {},
	"HAS_CRITERION":      {},
	"IMPLEMENTS":         {},
	"APPLIES_PATTERN":    {},
	"AVOID_GOTCHA":       {},
	"MUST_FOLLOW":        {},
	"VERIFIED_BY":        {},
	"OVERRIDDEN_BY":      {},
	"PERFORMED_OVERRIDE": {},
	"NEXT_TASK":          {},
	"MIGRATED_REL":       {},
}

// ValidLabel reports whether the label may be interpolated into query
// text.
func ValidLabel(label string) bool {
	_, ok := nodeLabels[label]
	return ok
}

// ValidRelType reports whether the relationship type may be
// interpolated into query text.
func ValidRelType(relType string) bool {
	_, ok := relTypes[relType]
	return ok
}

// DocumentLabels are the labels accepted by the document upsert path.
var DocumentLabels = []string{"ADR", "PRD", "Charter", "Principle", "ContextModule", "Pattern", "Gotcha", "Epic", "Sprint", "Task"}
