// Package side defines the contract every backend connector implements so the
// sync aggregator can treat Taskwarrior and Notion uniformly.
//
// A side lists, reads, creates, updates and deletes typed records and knows
// how to compare two of its own records semantically. All IO and
// schema-specific logic lives behind [Side]; the aggregator only sees ids,
// summaries and modification times through [Record].
package side

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy shared by all sides. Adapters wrap these with
// fmt.Errorf("...: %w", ErrX) so callers can classify with errors.Is.
var (
	// ErrConnection means the backend is unreachable or rejected our
	// credentials. It aborts the whole pass.
	ErrConnection = errors.New("side unreachable")

	// ErrValidation means an item is malformed for the target side. Only
	// the single operation is skipped.
	ErrValidation = errors.New("invalid item")

	// ErrNotFound means a referenced id no longer exists on the side.
	ErrNotFound = errors.New("item not found")

	// ErrConflict is surfaced when both sides changed the same correlated
	// item and the resolution needs an external decision.
	ErrConflict = errors.New("unresolved conflict")
)

// Record is the view of a side item the aggregator needs. Concrete record
// types must be plain structs with exported, JSON-tagged fields: the tag names
// double as the keys used by ignore lists.
type Record interface {
	// Key returns the side-assigned identifier, or "" for items not yet
	// created on the side.
	Key() string
	// Summary returns the display string of the item.
	Summary() string
	// Modified returns the last modification time reported by the side.
	Modified() time.Time
}

// Side is a stateful connector to one backend. Implementations cache their
// listing for one sync pass; [Side.GetAllItems] always refreshes it.
type Side[T Record] interface {
	// Name is a short label used in logs and reports.
	Name() string

	// IDKey, SummaryKey and LastModificationKey name the record fields that
	// play these roles.
	IDKey() string
	SummaryKey() string
	LastModificationKey() string

	// Start performs connection, auth and schema setup.
	Start(ctx context.Context) error

	GetAllItems(ctx context.Context) ([]T, error)
	GetItem(ctx context.Context, id string, useCached bool) (T, error)
	AddItem(ctx context.Context, item T) (T, error)
	UpdateItem(ctx context.Context, id string, item T) error
	DeleteSingleItem(ctx context.Context, id string) error

	ItemsAreIdentical(a, b T, ignoreKeys []string) bool
}

// Invalidator is implemented by sides that can drop their cached listing.
// The aggregator calls it at the start of every pass.
type Invalidator interface {
	Invalidate()
}

// Differ is implemented by sides that can explain why ItemsAreIdentical
// reported two items as different.
type Differ[T Record] interface {
	ItemDifference(a, b T, ignoreKeys []string) string
}

// IsFatal reports whether err must abort a sync pass rather than being
// recorded as a per-operation failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
