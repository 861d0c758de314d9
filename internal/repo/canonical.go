package repo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Sprint ids follow e<NNN>_s<NN> for epic-bound sprints or
// adhoc_<YYMMDD>_s<NN> for ad-hoc ones.
var (
	sprintIDPattern  = regexp.MustCompile(`^e\d{3}_s\d{2}$`)
	adhocIDPattern   = regexp.MustCompile(`^adhoc_\d{6}_s\d{2}$`)
	sprintLoosePat   = regexp.MustCompile(`^e\d+_s\d+$`)
	epicLoosePat     = regexp.MustCompile(`^e\d+$`)
	taskIDPattern    = regexp.MustCompile(`^e(\d+)_s(\d+)_t(\d+)$`)
	epicNumberSuffix = regexp.MustCompile(`^e0*(\d+)$`)
)

// ValidSprintID reports whether id matches either accepted sprint id
// shape.
func ValidSprintID(id string) bool {
	return sprintIDPattern.MatchString(id) || adhocIDPattern.MatchString(id)
}

// DeriveEpicID extracts the epic id from a sprint or task id. Ad-hoc
// sprints have no parent epic; the second return is false.
func DeriveEpicID(id string) (string, bool) {
	if i := strings.Index(id, "_s"); i > 0 && strings.HasPrefix(id, "e") {
		candidate := id[:i]
		if epicLoosePat.MatchString(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// CanonicalSprintID normalizes a sprint identity for duplicate
// detection: the id itself when it matches the canonical shape, else
// the explicit sprint_id property, else the id. Always lowercased.
func CanonicalSprintID(id, sprintID string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if sprintLoosePat.MatchString(id) {
		return id
	}
	if s := strings.ToLower(strings.TrimSpace(sprintID)); s != "" {
		return s
	}
	return id
}

// CanonicalEpicID normalizes an epic identity: epic_id when it matches
// e<digits>, else the id stripped of any "epic-" prefix and
// zero-padded to three digits.
func CanonicalEpicID(id, epicID string) string {
	if e := strings.ToLower(strings.TrimSpace(epicID)); epicLoosePat.MatchString(e) {
		return padEpic(e)
	}
	s := strings.ToLower(strings.TrimSpace(id))
	s = strings.TrimPrefix(s, "epic-")
	if epicLoosePat.MatchString(s) {
		return padEpic(s)
	}
	return s
}

// padEpic zero-pads the numeric part of e<digits> to three digits so
// e5 and e005 collapse to the same canonical form.
func padEpic(e string) string {
	m := epicNumberSuffix.FindStringSubmatch(e)
	if m == nil {
		return e
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return e
	}
	return fmt.Sprintf("e%03d", n)
}

// FallbackTitle synthesizes a readable title from a structured id when
// a malformed title cannot be repaired. Returns false when the id has
// no recognizable structure.
func FallbackTitle(id string) (string, bool) {
	if m := taskIDPattern.FindStringSubmatch(id); m != nil {
		t, _ := strconv.Atoi(m[3])
		s, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("Task %d (Sprint %d)", t, s), true
	}
	if sprintLoosePat.MatchString(id) {
		parts := strings.SplitN(id, "_s", 2)
		s, _ := strconv.Atoi(parts[1])
		e := strings.TrimPrefix(parts[0], "e")
		return fmt.Sprintf("Sprint %s (Epic %s)", strconv.Itoa(s), e), true
	}
	if epicLoosePat.MatchString(id) {
		return fmt.Sprintf("Epic %s", strings.TrimPrefix(id, "e")), true
	}
	return "", false
}
