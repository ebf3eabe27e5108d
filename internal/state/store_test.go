package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCombination() *Combination {
	return &Combination{
		Name:     "work",
		SideA:    map[string]string{"todo_db_id": "db-1", "project_db_id": "db-2"},
		SideB:    map[string]string{"sync_tag": "notion"},
		Strategy: "MostRecent",
	}
}

func seedCombination(t *testing.T, s *Store) *Combination {
	t.Helper()
	c := sampleCombination()
	if err := s.SaveCombination(context.Background(), c); err != nil {
		t.Fatalf("SaveCombination: %v", err)
	}
	return c
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.SaveCombination(context.Background(), sampleCombination()); err != nil {
		t.Fatalf("SaveCombination: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	got, err := s2.GetCombination(context.Background(), "work")
	if err != nil {
		t.Fatalf("GetCombination: %v", err)
	}
	if got == nil {
		t.Fatal("combination lost after reopen")
	}
}

func TestSaveAndGetCombination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := seedCombination(t, s)

	got, err := s.GetCombination(ctx, "work")
	if err != nil {
		t.Fatalf("GetCombination: %v", err)
	}
	if got == nil {
		t.Fatal("GetCombination returned nil, want combination")
	}
	if diff := cmp.Diff(want.SideA, got.SideA); diff != "" {
		t.Errorf("SideA mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.SideB, got.SideB); diff != "" {
		t.Errorf("SideB mismatch (-want +got):\n%s", diff)
	}
	if got.Strategy != "MostRecent" {
		t.Errorf("Strategy = %q, want MostRecent", got.Strategy)
	}
	if got.Generation != 0 {
		t.Errorf("Generation = %d, want 0", got.Generation)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestGetCombination_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetCombination(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing combination, got %+v", got)
	}
}

func TestSaveCombination_PreservesGeneration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	snap := &Snapshot{Combination: c.Name}
	if err := s.ReplaceSnapshot(ctx, snap); err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}

	c.Strategy = "AlwaysFirst"
	if err := s.SaveCombination(ctx, c); err != nil {
		t.Fatalf("SaveCombination update: %v", err)
	}
	got, err := s.GetCombination(ctx, c.Name)
	if err != nil {
		t.Fatalf("GetCombination: %v", err)
	}
	if got.Strategy != "AlwaysFirst" {
		t.Errorf("Strategy = %q, want AlwaysFirst", got.Strategy)
	}
	if got.Generation != 1 {
		t.Errorf("Generation = %d, want 1", got.Generation)
	}
}

func TestListAndDeleteCombinations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		if err := s.SaveCombination(ctx, &Combination{Name: name}); err != nil {
			t.Fatalf("SaveCombination %q: %v", name, err)
		}
	}
	all, err := s.ListCombinations(ctx)
	if err != nil {
		t.Fatalf("ListCombinations: %v", err)
	}
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "zeta" {
		t.Fatalf("ListCombinations = %v, want [alpha zeta]", names(all))
	}

	snap := &Snapshot{Combination: "alpha", Pairs: []Pair{{IDA: "a1", IDB: "b1"}}}
	if err := s.ReplaceSnapshot(ctx, snap); err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}
	if err := s.DeleteCombination(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteCombination: %v", err)
	}
	if _, err := s.LoadSnapshot(ctx, "alpha"); !errors.Is(err, ErrUnknownCombination) {
		t.Errorf("LoadSnapshot after delete: err = %v, want ErrUnknownCombination", err)
	}
}

func names(cs []*Combination) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}

func TestReplaceAndLoadSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	ts := time.Date(2026, 2, 17, 14, 30, 0, 123456789, time.UTC)
	pairs := []Pair{
		{IDA: "a2", IDB: "b2", Summary: "Eggs", ItemA: []byte(`{"id":"a2"}`), ItemB: []byte(`{"uuid":"b2"}`), ModifiedA: ts, ModifiedB: ts, SyncedAt: ts},
		{IDA: "a1", IDB: "b1", Summary: "Milk", ItemA: []byte(`{"id":"a1"}`), ItemB: []byte(`{"uuid":"b1"}`)},
	}
	snap := &Snapshot{Combination: c.Name, Pairs: pairs}
	if err := s.ReplaceSnapshot(ctx, snap); err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}
	if snap.Generation != 1 {
		t.Errorf("snap.Generation = %d, want 1", snap.Generation)
	}
	if snap.LastSyncedAt.IsZero() {
		t.Error("snap.LastSyncedAt not set")
	}

	got, err := s.LoadSnapshot(ctx, c.Name)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.Generation != 1 {
		t.Errorf("Generation = %d, want 1", got.Generation)
	}
	// Pairs come back ordered by id_a.
	want := []Pair{pairs[1], pairs[0]}
	if diff := cmp.Diff(want, got.Pairs); diff != "" {
		t.Errorf("pairs mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceSnapshot_ReplacesNotMerges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	snap := &Snapshot{Combination: c.Name, Pairs: []Pair{{IDA: "a1", IDB: "b1"}, {IDA: "a2", IDB: "b2"}}}
	if err := s.ReplaceSnapshot(ctx, snap); err != nil {
		t.Fatalf("first ReplaceSnapshot: %v", err)
	}
	snap.Pairs = []Pair{{IDA: "a2", IDB: "b2"}}
	if err := s.ReplaceSnapshot(ctx, snap); err != nil {
		t.Fatalf("second ReplaceSnapshot: %v", err)
	}

	got, err := s.LoadSnapshot(ctx, c.Name)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Pairs) != 1 || got.Pairs[0].IDA != "a2" {
		t.Errorf("pairs = %+v, want only a2", got.Pairs)
	}
	if got.Generation != 2 {
		t.Errorf("Generation = %d, want 2", got.Generation)
	}
}

func TestReplaceSnapshot_Stale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	first, err := s.LoadSnapshot(ctx, c.Name)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	second, err := s.LoadSnapshot(ctx, c.Name)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	first.Pairs = []Pair{{IDA: "a1", IDB: "b1"}}
	if err := s.ReplaceSnapshot(ctx, first); err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}
	second.Pairs = []Pair{{IDA: "a9", IDB: "b9"}}
	if err := s.ReplaceSnapshot(ctx, second); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("err = %v, want ErrStaleSnapshot", err)
	}

	// The stale write must not have touched the stored pairs.
	got, err := s.LoadSnapshot(ctx, c.Name)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Pairs) != 1 || got.Pairs[0].IDA != "a1" {
		t.Errorf("pairs = %+v, want only a1", got.Pairs)
	}
}

func TestReplaceSnapshot_DuplicateCounterpartRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	snap := &Snapshot{Combination: c.Name, Pairs: []Pair{{IDA: "a1", IDB: "b1"}}}
	if err := s.ReplaceSnapshot(ctx, snap); err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}

	snap.Pairs = []Pair{{IDA: "a1", IDB: "bX"}, {IDA: "a2", IDB: "bX"}}
	if err := s.ReplaceSnapshot(ctx, snap); err == nil {
		t.Fatal("expected unique violation for shared id_b, got nil")
	}

	got, err := s.LoadSnapshot(ctx, c.Name)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.Generation != 1 || len(got.Pairs) != 1 || got.Pairs[0].IDB != "b1" {
		t.Errorf("snapshot partially overwritten: gen=%d pairs=%+v", got.Generation, got.Pairs)
	}
}

func TestReplaceSnapshot_UnknownCombination(t *testing.T) {
	s := openTestStore(t)
	err := s.ReplaceSnapshot(context.Background(), &Snapshot{Combination: "ghost"})
	if !errors.Is(err, ErrUnknownCombination) {
		t.Errorf("err = %v, want ErrUnknownCombination", err)
	}
}

func TestLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	if err := s.AcquireLease(ctx, c.Name, "pid-1", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if err := s.AcquireLease(ctx, c.Name, "pid-2", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("second holder: err = %v, want ErrLeaseHeld", err)
	}
	if err := s.AcquireLease(ctx, c.Name, "pid-1", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("same holder must not re-enter: err = %v, want ErrLeaseHeld", err)
	}

	// Releasing with the wrong holder is a no-op.
	if err := s.ReleaseLease(ctx, c.Name, "pid-2"); err != nil {
		t.Fatalf("ReleaseLease(pid-2): %v", err)
	}
	if err := s.AcquireLease(ctx, c.Name, "pid-2", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("lease should still be held: err = %v", err)
	}

	if err := s.ReleaseLease(ctx, c.Name, "pid-1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if err := s.AcquireLease(ctx, c.Name, "pid-2", time.Minute); err != nil {
		t.Errorf("AcquireLease after release: %v", err)
	}
}

func TestLease_Expired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCombination(t, s)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if err := s.AcquireLease(ctx, c.Name, "crashed", time.Minute); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := s.AcquireLease(ctx, c.Name, "fresh", time.Minute); err != nil {
		t.Errorf("expired lease should be taken over: %v", err)
	}
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if path == "" {
		t.Error("DefaultDBPath returned empty string")
	}
}
