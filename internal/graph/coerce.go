package graph

import (
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Node is a normalized graph node. ElementID is the store-assigned
// handle, distinct from any user-visible id property; only the
// duplicate reconciler keys on it.
type Node struct {
	ElementID string         `json:"elementId"`
	Labels    []string       `json:"labels"`
	Props     map[string]any `json:"properties"`
}

// Rel is a normalized relationship.
type Rel struct {
	ElementID      string         `json:"elementId"`
	StartElementID string         `json:"startElementId"`
	EndElementID   string         `json:"endElementId"`
	Type           string         `json:"type"`
	Props          map[string]any `json:"properties"`
}

// normalize converts a driver value into the service's value space:
// nodes and relationships become Node/Rel, temporal values become
// time.Time, containers are normalized recursively, scalars pass
// through. Unknown variants pass through raw.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case dbtype.Node:
		return Node{ElementID: t.ElementId, Labels: t.Labels, Props: normalizeMap(t.Props)}
	case dbtype.Relationship:
		return Rel{
			ElementID:      t.ElementId,
			StartElementID: t.StartElementId,
			EndElementID:   t.EndElementId,
			Type:           t.Type,
			Props:          normalizeMap(t.Props),
		}
	case dbtype.Path:
		out := make([]any, 0, len(t.Nodes)+len(t.Relationships))
		for _, n := range t.Nodes {
			out = append(out, normalize(n))
		}
		for _, r := range t.Relationships {
			out = append(out, normalize(r))
		}
		return out
	case dbtype.LocalDateTime:
		return t.Time()
	case dbtype.Date:
		return t.Time()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		return normalizeMap(t)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// AsInt64 is the single numeric coercion point: nil is 0, integers
// pass, floats truncate, strings parse or become 0. Downstream code
// must use this instead of type-asserting.
func AsInt64(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// AsFloat64 coerces to float64 with the same tolerance as AsInt64.
func AsFloat64(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// AsString coerces to string; nil and non-strings become "".
func AsString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return ""
	}
}

// AsBool coerces to bool; only true booleans and the literal "true"
// count.
func AsBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}

// AsTime coerces timestamps: time.Time passes, RFC3339 strings parse,
// everything else is the zero time.
func AsTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

// AsStrings coerces a list value into a string slice, skipping
// non-string elements.
func AsStrings(v any) []string {
	if s, ok := v.([]string); ok {
		return s
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AsNode extracts a normalized Node; the second return reports whether
// the value was one.
func AsNode(v any) (Node, bool) {
	n, ok := v.(Node)
	return n, ok
}

// AsRel extracts a normalized Rel.
func AsRel(v any) (Rel, bool) {
	r, ok := v.(Rel)
	return r, ok
}
