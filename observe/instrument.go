package observe

import (
	"context"
	"time"
)

// FinishFunc completes an instrumented operation.
type FinishFunc func(result string, err error)

// Instrumentation bundles tracing, metrics, and logging for cache operations.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Context: Begin returns a context carrying the operation span.
//   - Errors: errors passed to FinishFunc are recorded, never returned.
type Instrumentation struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewInstrumentation creates an Instrumentation. Nil components are replaced
// with no-op implementations.
func NewInstrumentation(tracer Tracer, metrics Metrics, logger Logger) *Instrumentation {
	if tracer == nil {
		tracer = NopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Instrumentation{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// NopInstrumentation returns an Instrumentation that records nothing.
func NopInstrumentation() *Instrumentation {
	return NewInstrumentation(nil, nil, nil)
}

// InstrumentationFromObserver creates an Instrumentation from an Observer.
func InstrumentationFromObserver(obs Observer) (*Instrumentation, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewInstrumentation(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}

// Logger returns the configured logger.
func (i *Instrumentation) Logger() Logger {
	if i == nil {
		return NopLogger()
	}
	return i.logger
}

// Begin starts an instrumented operation. The returned FinishFunc must be
// called exactly once.
func (i *Instrumentation) Begin(ctx context.Context, meta OpMeta) (context.Context, FinishFunc) {
	if i == nil {
		return ctx, func(string, error) {}
	}
	ctx, span := i.tracer.StartSpan(ctx, meta)
	start := time.Now()

	return ctx, func(result string, err error) {
		duration := time.Since(start)
		i.tracer.EndSpan(span, result, err)
		i.metrics.RecordOp(ctx, meta, result, duration, err)

		fields := append(meta.Fields(), Field{Key: "duration_ms", Value: float64(duration.Microseconds()) / 1000})
		if result != "" {
			fields = append(fields, Field{Key: "cache.result", Value: result})
		}
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err})
			i.logger.Warn(ctx, "cache operation failed", fields...)
			return
		}
		i.logger.Debug(ctx, "cache operation completed", fields...)
	}
}
