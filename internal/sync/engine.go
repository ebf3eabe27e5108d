package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope       = "taskrelay/sync"
	spanPass        = "sync.pass"
	metricAdded     = "taskrelay.sync.items.added"
	metricUpdated   = "taskrelay.sync.items.updated"
	metricDeleted   = "taskrelay.sync.items.deleted"
	metricConflicts = "taskrelay.sync.conflicts"
	metricFailures  = "taskrelay.sync.failures"
)

// PromptFunc asks for a decision on every pending conflict. Used to resume
// passes suspended under the Manual strategy.
type PromptFunc func(ctx context.Context, conflicts []Conflict) (Decisions, error)

// Engine runs sync passes of one combination, once or on an interval.
// Create one with [NewEngine].
type Engine struct {
	syncer   Syncer
	interval time.Duration
	prompt   PromptFunc
	log      *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntAdded     metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntFailures  metric.Int64Counter
}

// EngineOption customises an [Engine].
type EngineOption func(*engineConfig)

type engineConfig struct {
	tracers trace.TracerProvider
	meters  metric.MeterProvider
}

// WithTracerProvider makes the engine record spans through tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(c *engineConfig) { c.tracers = tp }
}

// WithMeterProvider makes the engine record counters through mp instead of
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) EngineOption {
	return func(c *engineConfig) { c.meters = mp }
}

// NewEngine creates an Engine. If prompt is nil, passes suspended on manual
// conflicts are reported and left for the next run.
func NewEngine(syncer Syncer, interval time.Duration, prompt PromptFunc, logger *slog.Logger, opts ...EngineOption) *Engine {
	cfg := engineConfig{tracers: otel.GetTracerProvider(), meters: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&cfg)
	}
	tracer := cfg.tracers.Tracer(otelScope)
	meter := cfg.meters.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		syncer:   syncer,
		interval: interval,
		prompt:   prompt,
		log:      logger,

		tracer:       tracer,
		cntAdded:     mustCounter(metricAdded, "Number of items added during sync"),
		cntUpdated:   mustCounter(metricUpdated, "Number of items updated during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Number of items deleted during sync"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflicts resolved during sync"),
		cntFailures:  mustCounter(metricFailures, "Number of failed side operations during sync"),
	}
}

// record runs one pass step, recording a trace span and metrics.
func (e *Engine) record(ctx context.Context, name string, step func(context.Context) (*Report, error)) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, spanPass, trace.WithAttributes(attribute.String("sync.step", name)))
	defer span.End()

	report, err := step(ctx)
	if report == nil {
		report = &Report{}
	}

	// Counters are safe to record even if the span is a no-op.
	for _, w := range []Which{SideA, SideB} {
		attrs := metric.WithAttributes(attribute.String("side", w.String()))
		if n := report.Added[w]; n > 0 {
			e.cntAdded.Add(ctx, int64(n), attrs)
		}
		if n := report.Updated[w]; n > 0 {
			e.cntUpdated.Add(ctx, int64(n), attrs)
		}
		if n := report.Deleted[w]; n > 0 {
			e.cntDeleted.Add(ctx, int64(n), attrs)
		}
	}
	// A suspended pass only reports conflicts; the resume step resolves and
	// counts them.
	var conflictErr *ConflictError
	if report.Conflicts > 0 && !errors.As(err, &conflictErr) {
		e.cntConflicts.Add(ctx, int64(report.Conflicts))
	}
	if n := len(report.Failures); n > 0 {
		e.cntFailures.Add(ctx, int64(n))
	}

	span.SetAttributes(
		attribute.String("sync.combination", report.Combination),
		attribute.String("sync.state", report.State.String()),
		attribute.Int("sync.changes", report.Changes()),
		attribute.Int("sync.conflicts", report.Conflicts),
		attribute.Int("sync.failures", len(report.Failures)),
	)
	if err != nil {
		span.RecordError(err)
	}
	return report, err
}

// RunOnce performs a single pass. A pass suspended on manual conflicts is
// resumed with the decisions returned by the prompt.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	report, err := e.record(ctx, "sync", e.syncer.Sync)

	var conflictErr *ConflictError
	if e.prompt == nil || !errors.As(err, &conflictErr) {
		return report, err
	}

	decisions, err := e.prompt(ctx, conflictErr.Conflicts)
	if err != nil {
		return report, fmt.Errorf("asking for conflict decisions: %w", err)
	}
	return e.record(ctx, "resume", func(ctx context.Context) (*Report, error) {
		return e.syncer.Resume(ctx, decisions)
	})
}

// Run starts the interval loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Run an immediate first pass.
	e.runLogged(ctx, "initial sync failed")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			e.runLogged(ctx, "sync failed")
		}
	}
}

func (e *Engine) runLogged(ctx context.Context, msg string) {
	report, err := e.RunOnce(ctx)
	var conflictErr *ConflictError
	switch {
	case errors.As(err, &conflictErr):
		e.log.Warn("sync waiting for conflict decisions", "conflicts", len(conflictErr.Conflicts))
	case err != nil:
		e.log.Error(msg, "error", err)
	case report.Err() != nil:
		e.log.Warn("sync completed with failures", "failures", len(report.Failures), "error", report.Err())
	}
}
