package migrate

import (
	"regexp"
	"strings"
)

// Malformed-title shapes. These are the serialization accidents seen
// in production data: stringified code fragments, object dumps, and
// request lines that ended up in a title property.
var malformedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^string[;,} ]`),
	regexp.MustCompile(`^[\[\]{}\s]+$`),
	regexp.MustCompile(`^\[object`),
	regexp.MustCompile(`^(undefined|null)$`),
	regexp.MustCompile(`^function\(`),
	regexp.MustCompile(`//[^\n]*["'][^"']+["']`),
	regexp.MustCompile(`^(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+/`),
}

var (
	quotedPat  = regexp.MustCompile(`["']([^"']{3,120})["']`)
	commentPat = regexp.MustCompile(`//\s*([^\n"']{3,120})`)
)

// MalformedTitle reports whether a title matches any known bad shape.
// Empty titles are not malformed; the status backfills own those.
func MalformedTitle(title string) bool {
	t := strings.TrimSpace(title)
	if t == "" {
		return false
	}
	for _, p := range malformedPatterns {
		if p.MatchString(t) {
			return true
		}
	}
	return false
}

// ExtractTitle tries to recover a clean title from a malformed one:
// first a quoted substring, then the text of a // comment. Returns
// false when nothing usable is embedded.
func ExtractTitle(malformed string) (string, bool) {
	if m := quotedPat.FindStringSubmatch(malformed); m != nil {
		if t := strings.TrimSpace(m[1]); t != "" && !MalformedTitle(t) {
			return t, true
		}
	}
	if m := commentPat.FindStringSubmatch(malformed); m != nil {
		if t := strings.TrimSpace(m[1]); t != "" && !MalformedTitle(t) {
			return t, true
		}
	}
	return "", false
}
