// Package telemetry wires the broker's optional OpenTelemetry tracing:
// pipeline stage transitions and container lifecycle calls get spans when
// an OTLP/HTTP endpoint is configured, and a no-op tracer otherwise, so
// the rest of the codebase can call tracer.Start unconditionally (spec
// §9 ambient stack: tracing must not change pipeline behavior when
// unconfigured).
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	noopTrace "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the tracing tunables (spec §9: ObservabilityConfig).
type Config struct {
	// OTLPEndpoint, when non-empty, enables export via otlptracehttp.
	OTLPEndpoint string
	ServiceName  string
}

// Provider owns the process-wide tracer and its shutdown hook.
type Provider struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// New builds a Provider. With no OTLPEndpoint configured, it installs a
// no-op tracer and a no-op shutdown, so callers never need to branch on
// whether tracing is active.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "carapace"
	}

	if cfg.OTLPEndpoint == "" {
		return &Provider{
			tracer:   noopTrace.NewTracerProvider().Tracer(cfg.ServiceName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		tracer:   tp.Tracer(cfg.ServiceName),
		shutdown: tp.Shutdown,
	}, nil
}

// Tracer returns the process tracer, real or no-op.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartPipelineStage is a small convenience wrapper used by internal/pipeline
// to time and trace each stage uniformly.
func (p *Provider) StartPipelineStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline."+stage)
}

// StartLifecycleCall wraps a single lifecycle manager operation (spawn,
// shutdown, cleanup) in a span.
func (p *Provider) StartLifecycleCall(ctx context.Context, op string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lifecycle."+op)
}

// PipelineTracerFunc adapts the provider to the plain function shape
// internal/pipeline.Config.Tracer expects, keeping that package free of an
// otel import: a pipeline that never receives a Provider stays untraced.
func (p *Provider) PipelineTracerFunc() func(ctx context.Context, stage string) (context.Context, func()) {
	return func(ctx context.Context, stage string) (context.Context, func()) {
		spanCtx, span := p.StartPipelineStage(ctx, stage)
		return spanCtx, func() { span.End() }
	}
}

// Shutdown flushes and tears down the exporter, if any. Safe to call on a
// no-op Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.shutdown(shutdownCtx)
}
