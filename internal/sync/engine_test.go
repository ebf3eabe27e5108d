package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSyncer struct {
	syncs     atomic.Int32
	resumes   atomic.Int32
	syncErr   error
	decisions Decisions
}

func (f *fakeSyncer) Sync(context.Context) (*Report, error) {
	f.syncs.Add(1)
	return &Report{Combination: "c", Added: [2]int{1, 2}, Conflicts: 1}, f.syncErr
}

func (f *fakeSyncer) Resume(_ context.Context, d Decisions) (*Report, error) {
	f.resumes.Add(1)
	f.decisions = d
	return &Report{Combination: "c", State: StateIdle, Updated: [2]int{1, 0}, Conflicts: len(d)}, nil
}

func TestEngine_RunOnce(t *testing.T) {
	f := &fakeSyncer{}
	e := NewEngine(f, time.Minute, nil, testLogger)

	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Changes() != 3 {
		t.Errorf("changes = %d, want 3", report.Changes())
	}
	if f.resumes.Load() != 0 {
		t.Error("resume should not be called without conflicts")
	}
}

func TestEngine_RunOnce_PromptsAndResumes(t *testing.T) {
	conflicts := []Conflict{{IDA: "a-1", IDB: "b-1"}}
	f := &fakeSyncer{syncErr: &ConflictError{Combination: "c", Conflicts: conflicts}}

	var prompted []Conflict
	prompt := func(_ context.Context, cs []Conflict) (Decisions, error) {
		prompted = cs
		return Decisions{"a-1": SideB}, nil
	}
	e := NewEngine(f, time.Minute, prompt, testLogger)

	report, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prompted) != 1 || prompted[0].IDA != "a-1" {
		t.Errorf("prompted with %+v", prompted)
	}
	if f.decisions["a-1"] != SideB {
		t.Errorf("decisions = %v", f.decisions)
	}
	if report.State != StateIdle || report.Updated[SideA] != 1 {
		t.Errorf("report = %+v, want resumed report", report)
	}
}

func TestEngine_RunOnce_PromptError(t *testing.T) {
	f := &fakeSyncer{syncErr: &ConflictError{Conflicts: []Conflict{{IDA: "a-1"}}}}
	promptErr := errors.New("stdin closed")
	e := NewEngine(f, time.Minute, func(context.Context, []Conflict) (Decisions, error) {
		return nil, promptErr
	}, testLogger)

	_, err := e.RunOnce(context.Background())
	if !errors.Is(err, promptErr) {
		t.Errorf("err = %v, want prompt error", err)
	}
	if f.resumes.Load() != 0 {
		t.Error("resume should not be called when the prompt fails")
	}
}

func TestEngine_RunOnce_ConflictWithoutPrompt(t *testing.T) {
	f := &fakeSyncer{syncErr: &ConflictError{Conflicts: []Conflict{{IDA: "a-1"}}}}
	e := NewEngine(f, time.Minute, nil, testLogger)

	_, err := e.RunOnce(context.Background())
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Errorf("err = %v, want *ConflictError", err)
	}
}

func TestEngine_Run_StopsOnCancel(t *testing.T) {
	f := &fakeSyncer{syncErr: errors.New("side unreachable")}
	e := NewEngine(f, 5*time.Millisecond, nil, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if n := f.syncs.Load(); n < 2 {
		t.Errorf("syncs = %d, want at least 2 (errors must not stop the loop)", n)
	}
}

// counterTotal sums the data points of the int64 counter name.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s has data %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestEngine_ResolvedConflictsCountedOnce(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	conflicts := []Conflict{{IDA: "a-1", IDB: "b-1"}}
	f := &fakeSyncer{syncErr: &ConflictError{Combination: "c", Conflicts: conflicts}}
	prompt := func(context.Context, []Conflict) (Decisions, error) {
		return Decisions{"a-1": SideA}, nil
	}
	e := NewEngine(f, time.Minute, prompt, testLogger, WithMeterProvider(mp))

	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counterTotal(t, reader, metricConflicts); got != 1 {
		t.Errorf("conflicts counted = %d, want 1", got)
	}
	if got := counterTotal(t, reader, metricAdded); got != 3 {
		t.Errorf("added counted = %d, want 3", got)
	}
}

func TestEngine_AutomaticConflictsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	e := NewEngine(&fakeSyncer{}, time.Minute, nil, testLogger, WithMeterProvider(mp))
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counterTotal(t, reader, metricConflicts); got != 1 {
		t.Errorf("conflicts counted = %d, want 1", got)
	}
}
