// Package tracing wires OpenTelemetry export and the span helpers used by
// the pipeline.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wainbound/internal/config"
)

const tracerName = "wainbound"

// Init installs a global tracer provider exporting to cfg.Endpoint over OTLP/HTTP.
// When telemetry is disabled the global no-op provider stays in place.
// The returned function flushes and shuts the exporter down.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = tracerName
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartBatchSpan starts the span covering one aggregated turn.
func StartBatchSpan(ctx context.Context, batchID, senderID string, events int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.batch",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("sender.id", senderID),
			attribute.Int("batch.events", events),
		),
	)
}

// StartInvokeSpan starts the span covering one Invoke call.
func StartInvokeSpan(ctx context.Context, session string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "model.invoke",
		trace.WithAttributes(attribute.String("session.key", session)),
	)
}

// StartAttemptSpan starts the span covering one backend call.
func StartAttemptSpan(ctx context.Context, backend, provider string, number int, probe bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "model.attempt",
		trace.WithAttributes(
			attribute.String("backend.kind", backend),
			attribute.String("backend.provider", provider),
			attribute.Int("attempt.number", number),
			attribute.Bool("attempt.probe", probe),
		),
	)
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
