package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/njoerd114/taskrelay/internal/side"
)

func TestStrategy_Resolve(t *testing.T) {
	early := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	aNewer := Conflict{ModifiedA: late, ModifiedB: early}
	bNewer := Conflict{ModifiedA: early, ModifiedB: late}
	tie := Conflict{ModifiedA: early, ModifiedB: early}

	tests := []struct {
		name     string
		strategy Strategy
		conflict Conflict
		primary  Which
		want     Which
		decided  bool
	}{
		{"first", AlwaysFirst, bNewer, SideB, SideA, true},
		{"second", AlwaysSecond, aNewer, SideA, SideB, true},
		{"most recent A", MostRecent, aNewer, SideB, SideA, true},
		{"most recent B", MostRecent, bNewer, SideA, SideB, true},
		{"most recent tie A", MostRecent, tie, SideA, SideA, true},
		{"most recent tie B", MostRecent, tie, SideB, SideB, true},
		{"least recent A", LeastRecent, bNewer, SideB, SideA, true},
		{"least recent B", LeastRecent, aNewer, SideA, SideB, true},
		{"least recent tie", LeastRecent, tie, SideB, SideB, true},
		{"manual", Manual, aNewer, SideA, SideA, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, decided := tt.strategy.Resolve(tt.conflict, tt.primary)
			if decided != tt.decided {
				t.Fatalf("decided = %v, want %v", decided, tt.decided)
			}
			if decided && got != tt.want {
				t.Errorf("winner = %v, want %v", got, tt.want)
			}
		})
	}
}

// Swapping the sides of a conflict must swap the winner.
func TestStrategy_Symmetric(t *testing.T) {
	early := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := Conflict{ModifiedA: early, ModifiedB: early.Add(time.Minute)}
	swapped := Conflict{ModifiedA: c.ModifiedB, ModifiedB: c.ModifiedA}

	for _, s := range []Strategy{MostRecent, LeastRecent} {
		w1, _ := s.Resolve(c, SideA)
		w2, _ := s.Resolve(swapped, SideA)
		if w1 != w2.Other() {
			t.Errorf("%s: winners %v and %v are not mirrored", s, w1, w2)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range AllStrategies() {
		got, err := ParseStrategy(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %q, %v", s, got, err)
		}
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
		if s.Description() == "Unknown strategy" {
			t.Errorf("%q has no description", s)
		}
	}

	if got, err := ParseStrategy("mostrecent"); err != nil || got != MostRecent {
		t.Errorf("case-insensitive parse = %q, %v", got, err)
	}
	if _, err := ParseStrategy("newest"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if Strategy("bogus").IsValid() {
		t.Error("bogus strategy should be invalid")
	}
}

func TestParseWhich(t *testing.T) {
	tests := map[string]Which{"A": SideA, "b": SideB, "first": SideA, " second ": SideB}
	for in, want := range tests {
		got, err := ParseWhich(in)
		if err != nil || got != want {
			t.Errorf("ParseWhich(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseWhich("c"); err == nil {
		t.Error("expected error for unknown side")
	}
}

func TestConflictError(t *testing.T) {
	err := error(&ConflictError{Combination: "x", Conflicts: make([]Conflict, 2)})
	if !errors.Is(err, side.ErrConflict) {
		t.Error("ConflictError should match side.ErrConflict")
	}
	if got := err.Error(); got != `combination "x" has 2 conflict(s) awaiting a decision` {
		t.Errorf("Error() = %q", got)
	}
}

func TestCanTransition(t *testing.T) {
	path := []State{StateUninitialized, StateStarted, StateListing, StateDiffing, StateResolving, StateApplying, StatePersisted, StateIdle, StateListing}
	for i := 1; i < len(path); i++ {
		if !canTransition(path[i-1], path[i]) {
			t.Errorf("%v → %v should be allowed", path[i-1], path[i])
		}
	}
	if canTransition(StateIdle, StatePersisted) {
		t.Error("idle → persisted should not be allowed")
	}
	if canTransition(StatePersisted, StateAborted) {
		t.Error("persisted → aborted should not be allowed")
	}
	if State(42).String() != "unknown" {
		t.Errorf("State(42) = %q", State(42).String())
	}
}
