// Package core implements the unit-of-work engine: identity maps, entity
// builders, association views, optimistic completion and queries over
// resolved entities.
package core

import (
	"context"
	"sync/atomic"
	"time"

	"entitycore/pkg/domain"
)

// Factory creates units of work bound to one store, one schema registry and
// one module scope. A Factory is safe for concurrent use.
type Factory struct {
	store      domain.EntityStore
	registry   *domain.Registry
	scope      domain.Scope
	logger     Logger
	clock      Clock
	metrics    MetricsRecorder
	tracer     Tracer
	identities domain.IdentityGenerator
	serializer domain.Serializer

	open atomic.Int64
}

// NewFactory constructs a Factory. Options default to a no-op logger, metrics
// and tracer, the wall clock, UUID identities and the primitive serializer.
func NewFactory(store domain.EntityStore, registry *domain.Registry, opts ...Option) *Factory {
	f := &Factory{
		store:      store,
		registry:   registry,
		logger:     noopLogger{},
		clock:      ClockFunc(func() time.Time { return time.Now().UTC() }),
		metrics:    noopMetrics{},
		tracer:     noopTracer{},
		identities: UUIDGenerator{},
		serializer: domain.PrimitiveSerializer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Registry returns the schema registry.
func (f *Factory) Registry() *domain.Registry { return f.registry }

// Store returns the backing entity store.
func (f *Factory) Store() domain.EntityStore { return f.store }

// Scope returns the module scope used for type resolution.
func (f *Factory) Scope() domain.Scope { return f.scope }

// OpenUnitsOfWork reports how many units of work are neither completed nor discarded.
func (f *Factory) OpenUnitsOfWork() int64 { return f.open.Load() }

// NewUnitOfWork opens a standalone unit of work. Use a Session to get
// nesting and pause/resume currency handling.
func (f *Factory) NewUnitOfWork(usecase Usecase) *UnitOfWork {
	return newUnitOfWork(f, usecase, nil)
}

// instrument starts a span and returns a finisher that ends it and records the
// metric for op.
func (f *Factory) instrument(ctx context.Context, op string, attrs ...string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := f.tracer.Start(ctx, op)
	if setter, ok := span.(SpanAttributes); ok {
		for i := 0; i+1 < len(attrs); i += 2 {
			setter.SetAttribute(attrs[i], attrs[i+1])
		}
	}
	return ctx, func(err error) {
		span.End(err)
		f.metrics.Observe(ctx, op, err == nil, time.Since(start))
	}
}
