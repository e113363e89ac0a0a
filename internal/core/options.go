package core

import (
	"context"
	"time"

	"entitycore/pkg/domain"
)

// Logger is the minimal structured logger used by the engine. Arguments are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time to units of work.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder observes the outcome and latency of engine operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// ConflictObserver is optionally implemented by metrics recorders that count
// concurrent modification failures per usecase.
type ConflictObserver interface {
	ObserveConflict(ctx context.Context, usecase string, references int)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around engine operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation result.
type TraceSpan interface {
	End(err error)
}

// SpanAttributes is optionally implemented by spans that accept annotations.
type SpanAttributes interface {
	SetAttribute(key, value string)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger. Nil restores the no-op logger.
func WithLogger(logger Logger) Option {
	return func(f *Factory) {
		if logger == nil {
			logger = noopLogger{}
		}
		f.logger = logger
	}
}

// WithClock sets the clock used for unit-of-work timestamps.
func WithClock(clock Clock) Option {
	return func(f *Factory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(f *Factory) {
		if rec == nil {
			rec = noopMetrics{}
		}
		f.metrics = rec
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(f *Factory) {
		if tracer == nil {
			tracer = noopTracer{}
		}
		f.tracer = tracer
	}
}

// WithIdentityGenerator replaces the UUID identity generator.
func WithIdentityGenerator(gen domain.IdentityGenerator) Option {
	return func(f *Factory) {
		if gen != nil {
			f.identities = gen
		}
	}
}

// WithSerializer replaces the primitive value serializer.
func WithSerializer(ser domain.Serializer) Option {
	return func(f *Factory) {
		if ser != nil {
			f.serializer = ser
		}
	}
}

// WithScope sets the module from which entity types are resolved.
func WithScope(scope domain.Scope) Option {
	return func(f *Factory) { f.scope = scope }
}
