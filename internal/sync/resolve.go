package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/taskrelay/internal/side"
)

// Which identifies one of the two sides of a combination.
type Which int

const (
	// SideA is the first side of the combination.
	SideA Which = iota
	// SideB is the second side of the combination.
	SideB
)

// String returns "A" or "B".
func (w Which) String() string {
	if w == SideB {
		return "B"
	}
	return "A"
}

// Other returns the opposite side.
func (w Which) Other() Which {
	if w == SideB {
		return SideA
	}
	return SideB
}

// ParseWhich accepts "A"/"B" as well as "first"/"second".
func ParseWhich(s string) (Which, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "first", "1":
		return SideA, nil
	case "b", "second", "2":
		return SideB, nil
	default:
		return SideA, fmt.Errorf("unknown side %q (want A or B)", s)
	}
}

// Strategy selects the winner when a correlated item was modified on both
// sides since the last pass. It is chosen per run, not per item.
type Strategy string

const (
	// AlwaysFirst lets side A win every conflict.
	AlwaysFirst Strategy = "AlwaysFirst"

	// AlwaysSecond lets side B win every conflict.
	AlwaysSecond Strategy = "AlwaysSecond"

	// MostRecent keeps the edit with the later modification time.
	MostRecent Strategy = "MostRecent"

	// LeastRecent keeps the edit with the earlier modification time.
	LeastRecent Strategy = "LeastRecent"

	// Manual suspends the pass until a decision is supplied for every
	// conflict.
	Manual Strategy = "Manual"
)

// AllStrategies returns all supported resolution strategies.
func AllStrategies() []Strategy {
	return []Strategy{AlwaysFirst, AlwaysSecond, MostRecent, LeastRecent, Manual}
}

// ParseStrategy matches s case-insensitively against the strategy names.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range AllStrategies() {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	_, err := ParseStrategy(string(s))
	return err == nil
}

// String returns the strategy name.
func (s Strategy) String() string {
	return string(s)
}

// Description returns a human-readable description of the strategy.
func (s Strategy) Description() string {
	switch s {
	case AlwaysFirst:
		return "Side A always wins"
	case AlwaysSecond:
		return "Side B always wins"
	case MostRecent:
		return "The most recently modified side wins; ties go to the primary side"
	case LeastRecent:
		return "The least recently modified side wins; ties go to the primary side"
	case Manual:
		return "Pause and ask for a decision on every conflict"
	default:
		return "Unknown strategy"
	}
}

// Conflict is a correlated pair modified on both sides in the same interval.
type Conflict struct {
	IDA       string
	IDB       string
	SummaryA  string
	SummaryB  string
	ModifiedA time.Time
	ModifiedB time.Time
}

func newConflict(a, b side.Record) Conflict {
	return Conflict{
		IDA:       a.Key(),
		IDB:       b.Key(),
		SummaryA:  a.Summary(),
		SummaryB:  b.Summary(),
		ModifiedA: a.Modified(),
		ModifiedB: b.Modified(),
	}
}

// Decisions maps a conflict's side A id to the side whose edit survives.
type Decisions map[string]Which

// Resolve picks the winning side of c. The second result is false when the
// strategy needs an external decision.
func (s Strategy) Resolve(c Conflict, primary Which) (Which, bool) {
	switch s {
	case AlwaysFirst:
		return SideA, true
	case AlwaysSecond:
		return SideB, true
	case MostRecent:
		switch {
		case c.ModifiedA.After(c.ModifiedB):
			return SideA, true
		case c.ModifiedB.After(c.ModifiedA):
			return SideB, true
		}
		return primary, true
	case LeastRecent:
		switch {
		case c.ModifiedA.Before(c.ModifiedB):
			return SideA, true
		case c.ModifiedB.Before(c.ModifiedA):
			return SideB, true
		}
		return primary, true
	default:
		return primary, false
	}
}

// ConflictError is returned when a pass is suspended on conflicts that need
// a manual decision. It wraps [side.ErrConflict].
type ConflictError struct {
	Combination string
	Conflicts   []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("combination %q has %d conflict(s) awaiting a decision", e.Combination, len(e.Conflicts))
}

func (e *ConflictError) Unwrap() error { return side.ErrConflict }
