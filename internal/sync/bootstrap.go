package sync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/njoerd114/taskrelay/internal/side"
)

// ErrBootstrapDeclined is returned by [Bootstrap.Run] when the user refuses
// to link the matched items. A regular pass must not follow: it would see
// every matched item as new on both sides and copy it across.
var ErrBootstrapDeclined = errors.New("first-run linking declined")

// Bootstrap performs the first-run linkage of existing items of a new
// combination. It matches items by summary, prints a summary of the result
// and (with user confirmation) writes the matched pairs as the initial
// snapshot. Unmatched items are left to the first regular pass, which adds
// them to the opposite side.
type Bootstrap[A, B side.Record] struct {
	agg    *Aggregator[A, B]
	log    *slog.Logger
	reader io.Reader // for confirmation prompt (os.Stdin in production)
	writer io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap for the combination driven by agg.
// reader and writer control the confirmation prompt I/O.
func NewBootstrap[A, B side.Record](agg *Aggregator[A, B], logger *slog.Logger, reader io.Reader, writer io.Writer) *Bootstrap[A, B] {
	return &Bootstrap[A, B]{
		agg:    agg,
		log:    logger,
		reader: reader,
		writer: writer,
	}
}

// matchResult holds the outcome of summary matching.
type matchResult[A, B side.Record] struct {
	matched []matchedPair[A, B]

	// Items that exist only on one side, or whose summary is ambiguous.
	onlyA []A
	onlyB []B
}

type matchedPair[A, B side.Record] struct {
	a A
	b B
}

// Run checks whether the combination has never been synced and, if so,
// links its pre-existing items. With assumeYes the prompt is skipped.
// Returns true if pairs were written, and [ErrBootstrapDeclined] when the
// user answers no.
func (b *Bootstrap[A, B]) Run(ctx context.Context, assumeYes bool) (bool, error) {
	agg := b.agg

	snap, err := agg.store.LoadSnapshot(ctx, agg.opts.Combination)
	if err != nil {
		return false, fmt.Errorf("checking snapshot: %w", err)
	}
	if snap.Generation > 0 || len(snap.Pairs) > 0 {
		b.log.Debug("combination already synced, skipping bootstrap")
		return false, nil
	}

	b.log.Info("first sync of combination, starting bootstrap", "combination", agg.opts.Combination)

	release, err := agg.lock(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	if err := agg.start(ctx); err != nil {
		return false, err
	}

	itemsA, err := agg.sideA.GetAllItems(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching %s items for bootstrap: %w", agg.sideA.Name(), err)
	}
	itemsB, err := agg.sideB.GetAllItems(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching %s items for bootstrap: %w", agg.sideB.Name(), err)
	}

	result := matchBySummary(itemsA, itemsB)
	b.printSummary(result)

	if len(result.matched) == 0 {
		b.log.Info("nothing to link, leaving items to the first sync pass")
		return false, nil
	}

	if !assumeYes && !b.confirm() {
		b.log.Info("bootstrap cancelled by user")
		return false, ErrBootstrapDeclined
	}

	p := newPass(snap, itemsA, itemsB, b.log)
	for _, m := range result.matched {
		b.link(p, m)
	}
	next := p.nextSnapshot()
	if err := agg.store.ReplaceSnapshot(ctx, next); err != nil {
		return false, fmt.Errorf("writing bootstrap snapshot: %w", err)
	}

	b.log.Info("bootstrap complete", "linked", len(result.matched))
	return true, nil
}

// link records a matched pair. When the two items disagree, the baseline of
// the primary side is left empty so the first pass sees it as modified and
// pushes it over the other side.
func (b *Bootstrap[A, B]) link(p *pass[A, B], m matchedPair[A, B]) {
	agg := b.agg
	p.setPair(m.a.Key(), m.b.Key(), m.a, m.b)

	same, err := b.identical(m)
	if err != nil {
		b.log.Warn("comparing matched pair", "summary", m.a.Summary(), "error", err)
	}
	if same {
		b.log.Debug("linked matched pair", "summary", m.a.Summary())
		return
	}

	pair := p.pairs[m.a.Key()]
	if agg.opts.Primary == SideB {
		pair.ItemB = nil
	} else {
		pair.ItemA = nil
	}
	b.log.Info("linked differing pair, primary side will win",
		"summary", m.a.Summary(),
		"primary", agg.opts.Primary,
	)
}

func (b *Bootstrap[A, B]) identical(m matchedPair[A, B]) (bool, error) {
	agg := b.agg
	converted, err := agg.conv.AToB(m.a)
	if err != nil {
		return false, err
	}
	ignore := append([]string{agg.sideB.IDKey(), agg.sideB.LastModificationKey()}, agg.opts.IgnoreKeysB...)
	return agg.sideB.ItemsAreIdentical(converted, m.b, ignore), nil
}

// matchBySummary pairs items whose summaries are equal ignoring case.
// Summaries that occur more than once on either side are never matched.
func matchBySummary[A, B side.Record](itemsA []A, itemsB []B) matchResult[A, B] {
	var result matchResult[A, B]

	countA := make(map[string]int, len(itemsA))
	for _, it := range itemsA {
		countA[strings.ToLower(it.Summary())]++
	}
	byB := make(map[string][]B, len(itemsB))
	for _, it := range itemsB {
		key := strings.ToLower(it.Summary())
		byB[key] = append(byB[key], it)
	}

	matchedB := make(map[string]bool)
	for _, a := range itemsA {
		key := strings.ToLower(a.Summary())
		if key != "" && countA[key] == 1 && len(byB[key]) == 1 {
			result.matched = append(result.matched, matchedPair[A, B]{a: a, b: byB[key][0]})
			matchedB[key] = true
			continue
		}
		result.onlyA = append(result.onlyA, a)
	}
	for _, it := range itemsB {
		if !matchedB[strings.ToLower(it.Summary())] {
			result.onlyB = append(result.onlyB, it)
		}
	}
	return result
}

// printSummary writes a human-readable summary of the match results.
func (b *Bootstrap[A, B]) printSummary(r matchResult[A, B]) {
	nameA, nameB := b.agg.sideA.Name(), b.agg.sideB.Name()

	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Bootstrap Summary ---\n\n")
	_, _ = fmt.Fprintf(b.writer, "Combination %q: %s ↔ %s\n", b.agg.opts.Combination, nameA, nameB)
	_, _ = fmt.Fprintf(b.writer, "  Matched by summary: %d\n", len(r.matched))
	for _, m := range r.matched {
		_, _ = fmt.Fprintf(b.writer, "    ✓ %s\n", m.a.Summary())
	}
	if len(r.onlyA) > 0 {
		_, _ = fmt.Fprintf(b.writer, "  Only in %s (will push to %s): %d\n", nameA, nameB, len(r.onlyA))
		for _, it := range r.onlyA {
			_, _ = fmt.Fprintf(b.writer, "    → %s\n", it.Summary())
		}
	}
	if len(r.onlyB) > 0 {
		_, _ = fmt.Fprintf(b.writer, "  Only in %s (will push to %s): %d\n", nameB, nameA, len(r.onlyB))
		for _, it := range r.onlyB {
			_, _ = fmt.Fprintf(b.writer, "    ← %s\n", it.Summary())
		}
	}
	_, _ = fmt.Fprintf(b.writer, "\nTotal: %d matched, %d %s→%s, %d %s→%s\n",
		len(r.matched), len(r.onlyA), nameA, nameB, len(r.onlyB), nameB, nameA)
}

// confirm reads a y/n response from the reader.
func (b *Bootstrap[A, B]) confirm() bool {
	_, _ = fmt.Fprintf(b.writer, "Link matched items? [y/N] ")
	scanner := bufio.NewScanner(b.reader)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes"
	}
	return false
}
