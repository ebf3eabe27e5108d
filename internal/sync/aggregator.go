package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/njoerd114/taskrelay/internal/side"
	"github.com/njoerd114/taskrelay/internal/state"
)

// ErrNothingPending is returned by [Aggregator.Resume] when no pass is
// suspended.
var ErrNothingPending = errors.New("no suspended pass to resume")

// defaultLeaseTTL bounds how long a crashed pass can keep a combination
// locked.
const defaultLeaseTTL = 30 * time.Minute

// Options configures an [Aggregator].
type Options struct {
	// Combination is the name under which the snapshot is persisted.
	Combination string

	Strategy Strategy
	// Primary wins timestamp ties and bootstrap mismatches.
	Primary Which

	// IgnoreKeysA and IgnoreKeysB list record keys excluded from change
	// detection on each side.
	IgnoreKeysA []string
	IgnoreKeysB []string

	// LeaseTTL and Holder identify this process in the combination lease.
	LeaseTTL time.Duration
	Holder   string
}

// Aggregator synchronises one combination of two sides. A single
// Aggregator must not run passes concurrently; the combination lease also
// guards against other processes.
type Aggregator[A, B side.Record] struct {
	sideA side.Side[A]
	sideB side.Side[B]
	conv  Converters[A, B]
	store SnapshotStore
	opts  Options
	log   *slog.Logger

	state   State
	started bool
	pending *pass[A, B]
}

// NewAggregator wires two sides, their converters and the snapshot store.
func NewAggregator[A, B side.Record](sideA side.Side[A], sideB side.Side[B], conv Converters[A, B], store SnapshotStore, opts Options, logger *slog.Logger) *Aggregator[A, B] {
	if opts.Strategy == "" {
		opts.Strategy = MostRecent
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Holder == "" {
		host, _ := os.Hostname()
		opts.Holder = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	return &Aggregator[A, B]{
		sideA: sideA,
		sideB: sideB,
		conv:  conv,
		store: store,
		opts:  opts,
		log:   logger.With("combination", opts.Combination),
	}
}

// State returns the current state of the pass state machine.
func (a *Aggregator[A, B]) State() State {
	return a.state
}

// Pending returns the conflicts of a suspended pass, if any.
func (a *Aggregator[A, B]) Pending() []Conflict {
	if a.pending == nil {
		return nil
	}
	return slices.Clone(a.pending.conflicts)
}

// Sync runs one full pass. Per-operation failures are collected in the
// report and do not fail the pass; a non-nil error means the pass was
// aborted (snapshot untouched) or suspended on a [*ConflictError].
func (a *Aggregator[A, B]) Sync(ctx context.Context) (*Report, error) {
	report := &Report{Combination: a.opts.Combination, State: a.state}

	release, err := a.lock(ctx)
	if err != nil {
		return report, err
	}
	defer release()

	if a.pending != nil {
		a.log.Warn("discarding suspended pass", "conflicts", len(a.pending.conflicts))
		a.pending = nil
	}

	if err := a.start(ctx); err != nil {
		return a.abort(report, err)
	}

	p, err := a.list(ctx)
	if err != nil {
		return a.abort(report, err)
	}

	a.transition(StateDiffing)
	a.diff(p)

	return a.resolveAndApply(ctx, p, nil, report)
}

// Resume continues a pass suspended on manual conflicts. Every pending
// conflict needs an entry in decisions, otherwise the pass stays suspended.
// The pass is abandoned if the snapshot changed in the meantime.
func (a *Aggregator[A, B]) Resume(ctx context.Context, decisions Decisions) (*Report, error) {
	report := &Report{Combination: a.opts.Combination, State: a.state}
	p := a.pending
	if p == nil {
		return report, ErrNothingPending
	}

	release, err := a.lock(ctx)
	if err != nil {
		return report, err
	}
	defer release()

	snap, err := a.store.LoadSnapshot(ctx, a.opts.Combination)
	if err != nil {
		a.pending = nil
		return a.abort(report, fmt.Errorf("reloading snapshot: %w", err))
	}
	if snap.Generation != p.snap.Generation {
		a.pending = nil
		return a.abort(report, fmt.Errorf("resuming %q: %w", a.opts.Combination, state.ErrStaleSnapshot))
	}

	return a.resolveAndApply(ctx, p, decisions, report)
}

// --- pass steps --------------------------------------------------------------

func (a *Aggregator[A, B]) lock(ctx context.Context) (func(), error) {
	if err := a.store.AcquireLease(ctx, a.opts.Combination, a.opts.Holder, a.opts.LeaseTTL); err != nil {
		return nil, fmt.Errorf("locking combination: %w", err)
	}
	return func() {
		// The pass context may already be cancelled; the lease must still go.
		if err := a.store.ReleaseLease(context.WithoutCancel(ctx), a.opts.Combination, a.opts.Holder); err != nil {
			a.log.Error("releasing lease", "error", err)
		}
	}, nil
}

func (a *Aggregator[A, B]) start(ctx context.Context) error {
	if a.started {
		return nil
	}
	if err := a.sideA.Start(ctx); err != nil {
		return fmt.Errorf("starting %s: %w", a.sideA.Name(), err)
	}
	if err := a.sideB.Start(ctx); err != nil {
		return fmt.Errorf("starting %s: %w", a.sideB.Name(), err)
	}
	a.started = true
	a.transition(StateStarted)
	return nil
}

func (a *Aggregator[A, B]) list(ctx context.Context) (*pass[A, B], error) {
	a.transition(StateListing)

	snap, err := a.store.LoadSnapshot(ctx, a.opts.Combination)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	for _, s := range []any{a.sideA, a.sideB} {
		if inv, ok := s.(side.Invalidator); ok {
			inv.Invalidate()
		}
	}

	itemsA, err := a.sideA.GetAllItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", a.sideA.Name(), err)
	}
	itemsB, err := a.sideB.GetAllItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", a.sideB.Name(), err)
	}

	a.log.Debug("listed items",
		"side_a", a.sideA.Name(), "count_a", len(itemsA),
		"side_b", a.sideB.Name(), "count_b", len(itemsB),
		"correlations", len(snap.Pairs),
	)
	return newPass(snap, itemsA, itemsB, a.log), nil
}

func (a *Aggregator[A, B]) diff(p *pass[A, B]) {
	p.deltaA = Diff(p.listA, p.prevA, func(x, y A) bool {
		return a.sideA.ItemsAreIdentical(x, y, a.opts.IgnoreKeysA)
	})
	p.deltaB = Diff(p.listB, p.prevB, func(x, y B) bool {
		return a.sideB.ItemsAreIdentical(x, y, a.opts.IgnoreKeysB)
	})

	modB := setOf(p.deltaB.Modified)
	for _, idA := range p.deltaA.Modified {
		pair := p.pairs[idA]
		if pair == nil || !modB[pair.IDB] {
			continue
		}
		p.conflicts = append(p.conflicts, newConflict(p.itemsA[idA], p.itemsB[pair.IDB]))
	}

	if a.log.Enabled(context.Background(), slog.LevelDebug) {
		logChanges(a.log, a.sideA, p.deltaA.Modified, p.prevA, p.itemsA, a.opts.IgnoreKeysA)
		logChanges(a.log, a.sideB, p.deltaB.Modified, p.prevB, p.itemsB, a.opts.IgnoreKeysB)
	}

	a.log.Debug("computed deltas",
		"added_a", len(p.deltaA.Added), "deleted_a", len(p.deltaA.Deleted), "modified_a", len(p.deltaA.Modified),
		"added_b", len(p.deltaB.Added), "deleted_b", len(p.deltaB.Deleted), "modified_b", len(p.deltaB.Modified),
		"conflicts", len(p.conflicts),
	)
}

// logChanges logs what changed on each modified item since the snapshot, for
// sides that can describe it.
func logChanges[T side.Record](log *slog.Logger, s side.Side[T], ids []string, prev, cur map[string]T, ignoreKeys []string) {
	d, ok := s.(side.Differ[T])
	if !ok {
		return
	}
	for _, id := range ids {
		log.Debug("item modified", "side", s.Name(), "id", id,
			"changes", d.ItemDifference(prev[id], cur[id], ignoreKeys))
	}
}

func (a *Aggregator[A, B]) resolveAndApply(ctx context.Context, p *pass[A, B], decisions Decisions, report *Report) (*Report, error) {
	a.transition(StateResolving)
	report.Conflicts = len(p.conflicts)

	winners := make(map[string]Which, len(p.conflicts))
	var pending []Conflict
	for _, c := range p.conflicts {
		if w, ok := decisions[c.IDA]; ok {
			winners[c.IDA] = w
			continue
		}
		w, ok := a.opts.Strategy.Resolve(c, a.opts.Primary)
		if !ok {
			pending = append(pending, c)
			continue
		}
		a.log.Info("conflict resolved",
			"strategy", a.opts.Strategy,
			"summary", c.SummaryA,
			"winner", w,
			"modified_a", c.ModifiedA,
			"modified_b", c.ModifiedB,
		)
		winners[c.IDA] = w
	}

	if len(pending) > 0 {
		a.pending = p
		a.transition(StateSuspended)
		report.State = a.state
		report.Pending = pending
		return report, &ConflictError{Combination: a.opts.Combination, Conflicts: pending}
	}
	a.pending = nil

	pl := a.plan(p, winners)

	a.transition(StateApplying)
	if err := a.apply(ctx, p, pl, report); err != nil {
		return a.abort(report, err)
	}

	if err := ctx.Err(); err != nil {
		return a.abort(report, fmt.Errorf("sync interrupted before persisting: %w", err))
	}
	snap := p.nextSnapshot()
	if err := a.store.ReplaceSnapshot(ctx, snap); err != nil {
		return a.abort(report, fmt.Errorf("persisting snapshot: %w", err))
	}
	a.transition(StatePersisted)
	a.transition(StateIdle)
	report.State = a.state

	a.log.Info("sync pass complete",
		"added_a", report.Added[SideA], "added_b", report.Added[SideB],
		"updated_a", report.Updated[SideA], "updated_b", report.Updated[SideB],
		"deleted_a", report.Deleted[SideA], "deleted_b", report.Deleted[SideB],
		"conflicts", report.Conflicts,
		"failures", len(report.Failures),
		"generation", snap.Generation,
	)
	return report, nil
}

// --- planning ----------------------------------------------------------------

type deletion struct {
	idA      string
	targetID string
	summary  string
}

type update[S side.Record] struct {
	idA      string
	targetID string
	source   S
}

type plan[A, B side.Record] struct {
	deleteOnA []deletion
	deleteOnB []deletion
	updateOnA []update[B]
	updateOnB []update[A]
	addOnA    []B
	addOnB    []A
}

// plan turns both deltas and the conflict winners into the mutations to
// apply. Deletion propagates even when the other side modified the item.
func (a *Aggregator[A, B]) plan(p *pass[A, B], winners map[string]Which) *plan[A, B] {
	pl := &plan[A, B]{}
	delA, delB := setOf(p.deltaA.Deleted), setOf(p.deltaB.Deleted)

	var gone []string
	for _, idA := range p.deltaA.Deleted {
		pair := p.pairs[idA]
		if delB[pair.IDB] {
			a.log.Debug("deleted on both sides", "summary", pair.Summary)
			gone = append(gone, idA)
			continue
		}
		pl.deleteOnB = append(pl.deleteOnB, deletion{idA: idA, targetID: pair.IDB, summary: pair.Summary})
	}
	for _, idB := range p.deltaB.Deleted {
		idA := p.byB[idB]
		if delA[idA] {
			continue
		}
		pl.deleteOnA = append(pl.deleteOnA, deletion{idA: idA, targetID: idA, summary: p.pairs[idA].Summary})
	}
	for _, idA := range gone {
		p.removePair(idA)
	}

	for _, idA := range p.deltaA.Modified {
		pair := p.pairs[idA]
		if delB[pair.IDB] {
			continue
		}
		if w, conflicted := winners[idA]; conflicted && w == SideB {
			pl.updateOnA = append(pl.updateOnA, update[B]{idA: idA, targetID: idA, source: p.itemsB[pair.IDB]})
			continue
		}
		pl.updateOnB = append(pl.updateOnB, update[A]{idA: idA, targetID: pair.IDB, source: p.itemsA[idA]})
	}
	for _, idB := range p.deltaB.Modified {
		idA := p.byB[idB]
		if delA[idA] {
			continue
		}
		if _, conflicted := winners[idA]; conflicted {
			continue
		}
		pl.updateOnA = append(pl.updateOnA, update[B]{idA: idA, targetID: idA, source: p.itemsB[idB]})
	}

	for _, idA := range p.deltaA.Added {
		pl.addOnB = append(pl.addOnB, p.itemsA[idA])
	}
	for _, idB := range p.deltaB.Added {
		pl.addOnA = append(pl.addOnA, p.itemsB[idB])
	}

	p.refreshUnchanged()
	return pl
}

// --- applying ----------------------------------------------------------------

// apply executes the plan: deletes, then updates, then adds. Only fatal
// errors are returned; everything else lands in the report.
func (a *Aggregator[A, B]) apply(ctx context.Context, p *pass[A, B], pl *plan[A, B], r *Report) error {
	for _, d := range pl.deleteOnB {
		if err := a.applyDelete(ctx, p, r, SideB, d, a.sideB.DeleteSingleItem); err != nil {
			return err
		}
	}
	for _, d := range pl.deleteOnA {
		if err := a.applyDelete(ctx, p, r, SideA, d, a.sideA.DeleteSingleItem); err != nil {
			return err
		}
	}

	for _, u := range pl.updateOnB {
		if err := ctx.Err(); err != nil {
			return err
		}
		fresh, err := pushUpdate(ctx, a.sideB, a.conv.AToB, u.targetID, u.source)
		if fatal := a.settle(p, r, SideB, OpUpdate, u.idA, u.targetID, u.source.Summary(), err); fatal != nil {
			return fatal
		}
		if err == nil {
			p.setPair(u.idA, u.targetID, u.source, fresh)
			r.Updated[SideB]++
		}
	}
	for _, u := range pl.updateOnA {
		if err := ctx.Err(); err != nil {
			return err
		}
		fresh, err := pushUpdate(ctx, a.sideA, a.conv.BToA, u.targetID, u.source)
		if fatal := a.settle(p, r, SideA, OpUpdate, u.idA, u.targetID, u.source.Summary(), err); fatal != nil {
			return fatal
		}
		if err == nil {
			p.setPair(u.idA, u.source.Key(), fresh, u.source)
			r.Updated[SideA]++
		}
	}

	for _, src := range pl.addOnB {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := pushAdd(ctx, a.sideB, a.conv.AToB, src)
		// An id that is already linked names an existing item, not a new
		// one, so there is nothing to roll back: deleting it would remove
		// the linked item.
		if err == nil && p.byB[created.Key()] != "" {
			err = fmt.Errorf("%s id %s is already correlated: %w", a.sideB.Name(), created.Key(), side.ErrValidation)
		}
		if fatal := a.settle(p, r, SideB, OpAdd, "", src.Key(), src.Summary(), err); fatal != nil {
			return fatal
		}
		if err == nil {
			p.setPair(src.Key(), created.Key(), src, created)
			r.Added[SideB]++
		}
	}
	for _, src := range pl.addOnA {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := pushAdd(ctx, a.sideA, a.conv.BToA, src)
		if err == nil && p.pairs[created.Key()] != nil {
			err = fmt.Errorf("%s id %s is already correlated: %w", a.sideA.Name(), created.Key(), side.ErrValidation)
		}
		if fatal := a.settle(p, r, SideA, OpAdd, "", src.Key(), src.Summary(), err); fatal != nil {
			return fatal
		}
		if err == nil {
			p.setPair(created.Key(), src.Key(), created, src)
			r.Added[SideA]++
		}
	}
	return nil
}

func (a *Aggregator[A, B]) applyDelete(ctx context.Context, p *pass[A, B], r *Report, target Which, d deletion, del func(context.Context, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := del(ctx, d.targetID)
	if fatal := a.settle(p, r, target, OpDelete, d.idA, d.targetID, d.summary, err); fatal != nil {
		return fatal
	}
	if err == nil {
		p.removePair(d.idA)
		r.Deleted[target]++
	}
	return nil
}

// settle classifies the outcome of one operation. Fatal errors are returned
// for the caller to abort; a missing target drops the correlation; anything
// else is recorded as a failure and the old correlation is kept so the next
// pass retries.
func (a *Aggregator[A, B]) settle(p *pass[A, B], r *Report, target Which, op OpKind, idA, id, summary string, err error) error {
	if err == nil {
		a.log.Debug("applied", "op", op, "side", target, "id", id, "summary", summary)
		return nil
	}
	if side.IsFatal(err) {
		return fmt.Errorf("%s %q on side %s: %w", op, summary, target, err)
	}
	if errors.Is(err, side.ErrNotFound) && idA != "" {
		a.log.Warn("target gone, dropping correlation", "op", op, "side", target, "id", id, "summary", summary)
		p.removePair(idA)
		r.Dropped++
		if op == OpDelete {
			return nil
		}
	} else {
		a.log.Error("sync operation failed", "op", op, "side", target, "id", id, "summary", summary, "error", err)
	}
	r.Failures = append(r.Failures, OpFailure{Side: target, Op: op, ID: id, Summary: summary, Err: err})
	return nil
}

// pushUpdate converts src, updates the target and re-reads it so the
// snapshot records what the side actually stored.
func pushUpdate[S, T side.Record](ctx context.Context, target side.Side[T], convert func(S) (T, error), id string, src S) (T, error) {
	var zero T
	item, err := convert(src)
	if err != nil {
		return zero, fmt.Errorf("converting %q: %w: %w", src.Summary(), side.ErrValidation, err)
	}
	if err := target.UpdateItem(ctx, id, item); err != nil {
		return zero, err
	}
	fresh, err := target.GetItem(ctx, id, false)
	if err != nil {
		if side.IsFatal(err) {
			return zero, err
		}
		return item, nil
	}
	return fresh, nil
}

func pushAdd[S, T side.Record](ctx context.Context, target side.Side[T], convert func(S) (T, error), src S) (T, error) {
	var zero T
	item, err := convert(src)
	if err != nil {
		return zero, fmt.Errorf("converting %q: %w: %w", src.Summary(), side.ErrValidation, err)
	}
	created, err := target.AddItem(ctx, item)
	if err != nil {
		return zero, err
	}
	if created.Key() == "" {
		return zero, fmt.Errorf("%s returned no id for %q: %w", target.Name(), src.Summary(), side.ErrValidation)
	}
	return created, nil
}

// --- state machine -----------------------------------------------------------

func (a *Aggregator[A, B]) transition(to State) {
	if !canTransition(a.state, to) {
		a.log.Warn("unexpected state transition", "from", a.state, "to", to)
	}
	a.log.Debug("state transition", "from", a.state, "to", to)
	a.state = to
}

func (a *Aggregator[A, B]) abort(report *Report, err error) (*Report, error) {
	a.transition(StateAborted)
	report.State = a.state
	a.log.Error("sync pass aborted", "error", err)
	return report, err
}

// --- pass data ---------------------------------------------------------------

// pass is the working set of one sync pass, kept while suspended.
type pass[A, B side.Record] struct {
	snap *state.Snapshot
	log  *slog.Logger

	listA  []A
	listB  []B
	itemsA map[string]A
	itemsB map[string]B

	// pairs is the working correlation map keyed by side A id; byB indexes it
	// by side B id.
	pairs map[string]*state.Pair
	byB   map[string]string
	prevA map[string]A
	prevB map[string]B

	deltaA    Delta
	deltaB    Delta
	conflicts []Conflict
}

func newPass[A, B side.Record](snap *state.Snapshot, listA []A, listB []B, logger *slog.Logger) *pass[A, B] {
	p := &pass[A, B]{
		snap:   snap,
		log:    logger,
		listA:  listA,
		listB:  listB,
		itemsA: make(map[string]A, len(listA)),
		itemsB: make(map[string]B, len(listB)),
		pairs:  make(map[string]*state.Pair, len(snap.Pairs)),
		byB:    make(map[string]string, len(snap.Pairs)),
		prevA:  make(map[string]A, len(snap.Pairs)),
		prevB:  make(map[string]B, len(snap.Pairs)),
	}
	for _, it := range listA {
		p.itemsA[it.Key()] = it
	}
	for _, it := range listB {
		p.itemsB[it.Key()] = it
	}
	for i := range snap.Pairs {
		pair := snap.Pairs[i]
		p.pairs[pair.IDA] = &pair
		p.byB[pair.IDB] = pair.IDA
		p.prevA[pair.IDA] = decodeItem[A](pair.ItemA, logger)
		p.prevB[pair.IDB] = decodeItem[B](pair.ItemB, logger)
	}
	return p
}

// setPair records a confirmed correlation between itemA and itemB.
func (p *pass[A, B]) setPair(idA, idB string, itemA A, itemB B) {
	if old := p.pairs[idA]; old != nil && old.IDB != idB {
		delete(p.byB, old.IDB)
	}
	summary := itemA.Summary()
	if summary == "" {
		summary = itemB.Summary()
	}
	p.pairs[idA] = &state.Pair{
		IDA:       idA,
		IDB:       idB,
		Summary:   summary,
		ItemA:     encodeItem(itemA, p.log),
		ItemB:     encodeItem(itemB, p.log),
		ModifiedA: itemA.Modified(),
		ModifiedB: itemB.Modified(),
		SyncedAt:  time.Now().UTC(),
	}
	p.byB[idB] = idA
}

func (p *pass[A, B]) removePair(idA string) {
	if pair := p.pairs[idA]; pair != nil {
		delete(p.byB, pair.IDB)
		delete(p.pairs, idA)
	}
}

// refreshUnchanged re-baselines pairs that changed on neither side so edits
// to ignored keys do not accumulate against a stale snapshot.
func (p *pass[A, B]) refreshUnchanged() {
	changed := setOf(p.deltaA.Modified)
	for _, id := range p.deltaA.Deleted {
		changed[id] = true
	}
	changedB := setOf(p.deltaB.Modified)
	for _, id := range p.deltaB.Deleted {
		changedB[id] = true
	}

	for idA, pair := range p.pairs {
		if changed[idA] || changedB[pair.IDB] {
			continue
		}
		itemA, okA := p.itemsA[idA]
		itemB, okB := p.itemsB[pair.IDB]
		if !okA || !okB {
			continue
		}
		syncedAt := pair.SyncedAt
		p.setPair(idA, pair.IDB, itemA, itemB)
		p.pairs[idA].SyncedAt = syncedAt
	}
}

// nextSnapshot returns the snapshot to persist, pairs ordered by side A id.
func (p *pass[A, B]) nextSnapshot() *state.Snapshot {
	ids := slices.Sorted(maps.Keys(p.pairs))
	pairs := make([]state.Pair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, *p.pairs[id])
	}
	return &state.Snapshot{
		Combination:  p.snap.Combination,
		Generation:   p.snap.Generation,
		LastSyncedAt: p.snap.LastSyncedAt,
		Pairs:        pairs,
	}
}

func encodeItem(item any, logger *slog.Logger) []byte {
	b, err := json.Marshal(item)
	if err != nil {
		logger.Error("encoding item for snapshot", "error", err)
		return nil
	}
	return b
}

// decodeItem restores a snapshot item. A missing or unreadable item decodes
// to the zero value, which never matches a live item and so shows up as
// modified.
func decodeItem[T any](data []byte, logger *slog.Logger) T {
	var v T
	if len(data) == 0 {
		return v
	}
	if err := json.Unmarshal(data, &v); err != nil {
		logger.Warn("decoding snapshot item", "error", err)
		var zero T
		return zero
	}
	return v
}

func setOf(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
