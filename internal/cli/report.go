package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	syncp "github.com/njoerd114/taskrelay/internal/sync"
)

var (
	success = color.New(color.FgGreen).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	dim     = color.New(color.Faint).SprintFunc()
	header  = color.New(color.FgCyan, color.Bold).SprintFunc()
)

// printReport writes the outcome of a pass. names holds the side names
// indexed by [syncp.Which].
func printReport(w io.Writer, r *syncp.Report, names [2]string) {
	if r == nil {
		return
	}

	status := success("✓")
	switch {
	case r.State == syncp.StateAborted:
		status = failure("✗")
	case r.State == syncp.StateSuspended, len(r.Failures) > 0:
		status = warning("⚠")
	}
	_, _ = fmt.Fprintf(w, "%s %s %s\n", status, bold(r.Combination), dim(r.State.String()))

	for _, side := range []syncp.Which{syncp.SideA, syncp.SideB} {
		_, _ = fmt.Fprintf(w, "  %-12s %s added  %s updated  %s deleted\n",
			names[side],
			count(r.Added[side]), count(r.Updated[side]), count(r.Deleted[side]))
	}
	if r.Conflicts > 0 || r.Dropped > 0 {
		_, _ = fmt.Fprintf(w, "  conflicts: %d  dropped links: %d\n", r.Conflicts, r.Dropped)
	}
	for _, f := range r.Failures {
		_, _ = fmt.Fprintf(w, "  %s %s %q on %s: %v\n", failure("✗"), f.Op, f.Summary, names[f.Side], f.Err)
	}
	if n := len(r.Pending); n > 0 {
		_, _ = fmt.Fprintf(w, "  %s %d conflict(s) await a decision\n", warning("⚠"), n)
	}
}

func count(n int) string {
	if n == 0 {
		return dim("0")
	}
	return bold(n)
}
