package logbuf

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(from, to int) []Entry {
	out := make([]Entry, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, Entry{Timestamp: fmt.Sprintf("t%03d", i), Message: fmt.Sprintf("m%d", i)})
	}
	return out
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer(3)
	for _, e := range entries(0, 5) {
		b.Push(e)
		require.LessOrEqual(t, b.Len(), 3)
	}
	got := b.Drain()
	assert.Equal(t, entries(2, 5), got)
	assert.Equal(t, uint64(2), b.Evicted())
	assert.Equal(t, 0, b.Len())
}

func TestBufferDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewBuffer(0).Cap())
}

func TestBufferRequeueKeepsOrder(t *testing.T) {
	b := NewBuffer(10)
	for _, e := range entries(0, 3) {
		b.Push(e)
	}
	failed := b.Drain()
	for _, e := range entries(3, 5) {
		b.Push(e)
	}
	b.Requeue(failed)
	assert.Equal(t, entries(0, 5), b.Drain())
}

func TestBufferRequeueRespectsCapacity(t *testing.T) {
	b := NewBuffer(4)
	for _, e := range entries(0, 3) {
		b.Push(e)
	}
	failed := b.Drain()
	for _, e := range entries(3, 6) {
		b.Push(e)
	}
	b.Requeue(failed)
	require.Equal(t, 4, b.Len())
	assert.Equal(t, entries(2, 6), b.Drain())
	assert.Equal(t, uint64(2), b.Evicted())
}

func TestBufferRequeueEmptyBatchIsNoop(t *testing.T) {
	b := NewBuffer(2)
	b.Push(Entry{Message: "a"})
	b.Requeue(nil)
	assert.Equal(t, 1, b.Len())
}

func TestNewEntryUsesUTC(t *testing.T) {
	loc := time.FixedZone("X", 2*3600)
	e := NewEntry(time.Date(2026, 10, 18, 12, 0, 0, 5e6, loc), "[INFO] up")
	assert.Equal(t, "2026-10-18T10:00:00.005Z", e.Timestamp)
	assert.Equal(t, "[INFO] up", e.Message)
}

func TestFilterMatches(t *testing.T) {
	cases := []struct {
		filter, line string
		want         bool
	}{
		{"", "[INFO] anything", true},
		{"radio", "[INFO] radio up", true},
		{"Radio", "[INFO] radio up", false},
		{"r*o", "[INFO] radio up", false},
		{"[WARN]", "[WARN] low battery", true},
		{"longer than the line", "short", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(tc.filter, tc.line), "filter=%q line=%q", tc.filter, tc.line)
	}

	f := NewFilter()
	assert.True(t, f.Match("x"))
	f.Set("boot")
	assert.Equal(t, "boot", f.Get())
	assert.False(t, f.Match("x"))
	assert.True(t, f.Match("[INFO] boot ok"))
}
