// Package telemetry exports the sync engine's traces, pass counters and
// structured logs to an OTLP gRPC collector.
//
// [Setup] returns a [Providers] value that is handed to the parts that emit
// telemetry: the engine takes the tracer and meter providers, and
// [Providers.Logger] wraps the process logger so slog records reach the
// collector too. Nothing here touches the OTel globals. When telemetry is not
// configured, [Noop] supplies providers that drop everything.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otellog "go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is reported as service.name unless overridden.
const DefaultServiceName = "taskrelay"

// Config mirrors the telemetry block of config.yaml.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port.
	OTLPEndpoint string
	// Insecure dials the collector without TLS.
	Insecure bool
	// ServiceName defaults to [DefaultServiceName].
	ServiceName string
	// Headers are sent as gRPC metadata with every export, typically an
	// Authorization token.
	Headers map[string]string
}

// Providers bundles the trace, metric and log providers of one process.
type Providers struct {
	Tracers trace.TracerProvider
	Meters  metric.MeterProvider
	Logs    otellog.LoggerProvider

	exporting bool
	// closers run in reverse order on Shutdown.
	closers []func(context.Context) error
}

// Noop returns providers that record nothing.
func Noop() *Providers {
	return &Providers{
		Tracers: tracenoop.NewTracerProvider(),
		Meters:  metricnoop.NewMeterProvider(),
		Logs:    lognoop.NewLoggerProvider(),
	}
}

// Setup dials cfg.OTLPEndpoint once and builds the three providers on that
// connection. On error everything created so far is closed again.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, errors.New("telemetry needs an OTLP endpoint")
	}
	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}

	p := &Providers{exporting: true}
	p.closers = append(p.closers, func(context.Context) error {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing OTLP connection: %w", err)
		}
		return nil
	})
	fail := func(err error) (*Providers, error) {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating trace exporter: %w", err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	p.Tracers = tp
	p.closers = append(p.closers, named("trace provider", tp.Shutdown))

	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating metric exporter: %w", err))
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)), sdkmetric.WithResource(res))
	p.Meters = mp
	p.closers = append(p.closers, named("metric provider", mp.Shutdown))

	logExp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating log exporter: %w", err))
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))
	p.Logs = lp
	p.closers = append(p.closers, named("log provider", lp.Shutdown))

	return p, nil
}

// Exporting reports whether the providers send data to a collector.
func (p *Providers) Exporting() bool { return p.exporting }

// Logger returns base extended to forward its records to the log provider.
// With no collector base is returned unchanged.
func (p *Providers) Logger(base *slog.Logger) *slog.Logger {
	if !p.exporting {
		return base
	}
	return slog.New(NewLogHandler(base.Handler(), p.Logs))
}

// Shutdown flushes the providers and closes the collector connection. The
// providers are flushed before the connection they export over is closed.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// newResource merges the SDK defaults with our service name. The schemaless
// resource avoids a schema URL clash between resource.Default and semconv.
func newResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func named(what string, shutdown func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := shutdown(ctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", what, err)
		}
		return nil
	}
}
