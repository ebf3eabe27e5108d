// Package sync implements the two-way reconciliation engine of TaskRelay. It
// diffs the item collections of two sides against the last persisted
// snapshot, resolves conflicts, applies the resulting mutations to the
// opposite side and rewrites the snapshot.
//
// The package contains four main components:
//
//   - [Diff] computes per-side added/deleted/modified sets.
//   - [Strategy] adjudicates items modified on both sides.
//   - [Aggregator] drives one full pass as an explicit state machine.
//   - [Engine] runs passes once or on an interval and records telemetry.
//
// [Bootstrap] links pre-existing items by summary the first time a
// combination is synced.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/taskrelay/internal/side"
	"github.com/njoerd114/taskrelay/internal/state"
)

// SnapshotStore provides access to the persisted combination state.
// Implemented by [state.Store].
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, combination string) (*state.Snapshot, error)
	ReplaceSnapshot(ctx context.Context, snap *state.Snapshot) error
	AcquireLease(ctx context.Context, combination, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, combination, holder string) error
}

// Converters translate records between the two side schemas. Both functions
// must be free of side effects; any lookup context (e.g. project tables) is
// captured when they are built.
type Converters[A, B side.Record] struct {
	AToB func(A) (B, error)
	BToA func(B) (A, error)
}

// Syncer is a single combination that can be synced and resumed after a
// manual conflict decision. Implemented by [Aggregator].
type Syncer interface {
	Sync(ctx context.Context) (*Report, error)
	Resume(ctx context.Context, decisions Decisions) (*Report, error)
}
