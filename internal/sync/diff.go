package sync

import (
	"slices"

	"github.com/njoerd114/taskrelay/internal/side"
)

// Delta is the change set of one side relative to the snapshot. The three
// slices are disjoint and sorted.
type Delta struct {
	Added    []string
	Deleted  []string
	Modified []string
}

// Empty reports whether the side has no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Modified) == 0
}

// Diff compares the current items of a side against the items recorded in
// the previous snapshot. Items without an id are skipped. The result does not
// depend on the order of current.
func Diff[T side.Record](current []T, previous map[string]T, identical func(a, b T) bool) Delta {
	var d Delta

	// A listing may repeat an id; the id counts as modified if any copy
	// differs from the snapshot.
	byID := make(map[string][]T, len(current))
	for _, item := range current {
		if id := item.Key(); id != "" {
			byID[id] = append(byID[id], item)
		}
	}

	for id, items := range byID {
		prev, ok := previous[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if slices.ContainsFunc(items, func(it T) bool { return !identical(it, prev) }) {
			d.Modified = append(d.Modified, id)
		}
	}

	for id := range previous {
		if _, ok := byID[id]; !ok {
			d.Deleted = append(d.Deleted, id)
		}
	}

	slices.Sort(d.Added)
	slices.Sort(d.Deleted)
	slices.Sort(d.Modified)
	return d
}
