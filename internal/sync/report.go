package sync

import (
	"errors"
	"fmt"
)

// OpKind names a mutation applied to a side.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpFailure records a single operation that did not succeed. Failures do not
// block sibling operations of the same pass.
type OpFailure struct {
	Side    Which
	Op      OpKind
	ID      string
	Summary string
	Err     error
}

func (f OpFailure) Error() string {
	return fmt.Sprintf("%s %q on side %s: %v", f.Op, f.Summary, f.Side, f.Err)
}

func (f OpFailure) Unwrap() error { return f.Err }

// Report summarises one pass. The per-side counters are indexed by [Which]
// and count mutations applied to that side.
type Report struct {
	Combination string
	State       State

	Added   [2]int
	Updated [2]int
	Deleted [2]int

	// Conflicts is the number of pairs modified on both sides.
	Conflicts int
	// Dropped counts correlations removed because the target id was gone.
	Dropped int

	Failures []OpFailure
	Pending  []Conflict
}

// Changes returns the total number of applied mutations.
func (r *Report) Changes() int {
	n := 0
	for _, w := range []Which{SideA, SideB} {
		n += r.Added[w] + r.Updated[w] + r.Deleted[w]
	}
	return n
}

// Err joins all per-operation failures, or returns nil.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}
