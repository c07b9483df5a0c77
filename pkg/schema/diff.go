// Package schema detects drift between the columns a source extraction
// returns and the columns of the destination table.
package schema

import (
	"sort"
	"strings"
)

// ColumnSet is a set of uppercase column names.
type ColumnSet map[string]struct{}

// NewColumnSet normalizes names to uppercase. Blank names are ignored.
func NewColumnSet(names ...string) ColumnSet {
	set := make(ColumnSet, len(names))
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}

// Has reports whether name (any case) is in the set.
func (s ColumnSet) Has(name string) bool {
	_, ok := s[strings.ToUpper(name)]
	return ok
}

// Sorted returns the names in ascending order.
func (s ColumnSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ColumnDiff classifies the difference between data and schema columns.
// Added holds columns present in the data only, Removed columns present in
// the schema only.
type ColumnDiff struct {
	Consistent bool
	Added      []string
	Removed    []string
}

// Diff compares the data view against the schema view, ignoring case. It
// never fails; two empty sets are consistent.
func Diff(data, schema []string) ColumnDiff {
	d := NewColumnSet(data...)
	s := NewColumnSet(schema...)

	diff := ColumnDiff{Added: []string{}, Removed: []string{}}
	for _, c := range d.Sorted() {
		if !s.Has(c) {
			diff.Added = append(diff.Added, c)
		}
	}
	for _, c := range s.Sorted() {
		if !d.Has(c) {
			diff.Removed = append(diff.Removed, c)
		}
	}
	diff.Consistent = len(diff.Added) == 0 && len(diff.Removed) == 0
	return diff
}
