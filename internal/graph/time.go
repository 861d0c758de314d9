package graph

import "time"

// TimestampLayout is the storage format for all timestamps. Fixed
// width in UTC, so lexicographic order on stored strings equals
// chronological order; the event stream's cursor queries rely on that.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
