package graph

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(0), AsInt64(nil))
	assert.Equal(t, int64(7), AsInt64(int64(7)))
	assert.Equal(t, int64(7), AsInt64(7))
	assert.Equal(t, int64(7), AsInt64(7.9))
	assert.Equal(t, int64(42), AsInt64("42"))
	assert.Equal(t, int64(0), AsInt64("not a number"))
}

func TestAsFloat64(t *testing.T) {
	assert.Equal(t, 0.0, AsFloat64(nil))
	assert.Equal(t, 0.5, AsFloat64(0.5))
	assert.Equal(t, 3.0, AsFloat64(int64(3)))
}

func TestAsString(t *testing.T) {
	assert.Equal(t, "", AsString(nil))
	assert.Equal(t, "x", AsString("x"))
	assert.Equal(t, "", AsString(int64(5)))
}

func TestAsTime(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, now, AsTime(now))
	assert.Equal(t, now, AsTime("2026-08-24T10:00:00.000Z"))
	assert.True(t, AsTime("garbage").IsZero())
	assert.True(t, AsTime(nil).IsZero())
}

func TestFormatTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 123_000_000, time.UTC)
	s := FormatTime(now)
	assert.Equal(t, "2026-08-24T10:00:00.123Z", s)
	assert.Equal(t, now, AsTime(s))
}

// Fixed-width formatting is what makes lexicographic comparison in
// store-side string predicates agree with chronological order.
func TestFormatTimeLexicographicOrder(t *testing.T) {
	a := FormatTime(time.Date(2026, 8, 24, 9, 59, 59, 999_000_000, time.UTC))
	b := FormatTime(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	assert.Less(t, a, b)
}

func TestNormalizeNode(t *testing.T) {
	raw := dbtype.Node{
		ElementId: "4:abc:1",
		Labels:    []string{"Task"},
		Props:     map[string]any{"id": "e001_s01_t01", "status": "active"},
	}
	v := normalize(raw)
	node, ok := v.(Node)
	require.True(t, ok)
	assert.Equal(t, "4:abc:1", node.ElementID)
	assert.Equal(t, []string{"Task"}, node.Labels)
	assert.Equal(t, "active", node.Props["status"])
}

func TestNormalizeNestedSlices(t *testing.T) {
	raw := []any{
		dbtype.Node{ElementId: "1", Labels: []string{"Epic"}, Props: map[string]any{"id": "e001"}},
		int64(3),
	}
	v := normalize(raw).([]any)
	_, ok := v[0].(Node)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v[1])
}

func TestAsNode(t *testing.T) {
	n, ok := AsNode(Node{ElementID: "x"})
	assert.True(t, ok)
	assert.Equal(t, "x", n.ElementID)

	_, ok = AsNode("not a node")
	assert.False(t, ok)
	_, ok = AsNode(nil)
	assert.False(t, ok)
}

func TestAsStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, AsStrings([]any{"a", "b"}))
	assert.Equal(t, []string{"a"}, AsStrings([]string{"a"}))
	assert.Nil(t, AsStrings(nil))
}
