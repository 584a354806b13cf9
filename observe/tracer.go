package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// OpMeta describes a cache operation for telemetry purposes.
type OpMeta struct {
	Op   string // get, set, delete, clear, invalidate, fetch, refresh, http
	Tier string // adapter name; empty for manager-level operations
	Key  string // cache key (optional; never logged with its value)
}

// SpanName returns the deterministic span name for this operation.
// Format: cache.<op>.<tier> or cache.<op>
func (m OpMeta) SpanName() string {
	if m.Tier != "" {
		return "cache." + m.Op + "." + m.Tier
	}
	return "cache." + m.Op
}

// Fields returns the operation as log fields.
func (m OpMeta) Fields() []Field {
	fields := []Field{{Key: "cache.op", Value: m.Op}}
	if m.Tier != "" {
		fields = append(fields, Field{Key: "cache.tier", Value: m.Tier})
	}
	if m.Key != "" {
		fields = append(fields, Field{Key: "cache.key", Value: m.Key})
	}
	return fields
}

// Tracer wraps OpenTelemetry tracing with cache-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording the result and any error.
	EndSpan(span trace.Span, result string, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("cache.op", meta.Op),
	}
	if meta.Tier != "" {
		attrs = append(attrs, attribute.String("cache.tier", meta.Tier))
	}
	if meta.Key != "" {
		attrs = append(attrs, attribute.String("cache.key", meta.Key))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, result string, err error) {
	if result != "" {
		span.SetAttributes(attribute.String("cache.result", result))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NopTracer returns a Tracer that produces non-recording spans.
func NopTracer() Tracer {
	return &noopTracer{noop: tracenoop.NewTracerProvider().Tracer("noop")}
}

type noopTracer struct {
	noop trace.Tracer
}

func (t *noopTracer) StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ string, _ error) {
	span.End()
}
