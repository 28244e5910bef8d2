package logbuf

import (
	"strings"

	"github.com/moonblokz/probe/internal/cell"
)

// Filter is the substring inclusion filter applied on ingestion. Replacing it
// is atomic with respect to Match.
type Filter struct {
	value *cell.Cell[string]
}

// NewFilter returns a filter that matches everything.
func NewFilter() *Filter {
	return &Filter{value: cell.New("")}
}

// Set replaces the filter string. An empty string matches every line.
func (f *Filter) Set(s string) {
	f.value.Store(s)
}

// Get returns the current filter string.
func (f *Filter) Get() string {
	return f.value.Load()
}

// Match reports whether line should be kept: the filter is empty or a
// literal, case-sensitive substring of line.
func (f *Filter) Match(line string) bool {
	return Matches(f.value.Load(), line)
}

// Matches is the pure form of Filter.Match.
func Matches(filter, line string) bool {
	return filter == "" || strings.Contains(line, filter)
}
