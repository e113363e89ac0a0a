package core

import (
	"fmt"
	"time"

	"entitycore/pkg/domain"
)

// Entity is a handle on one entity state inside one unit of work. Two handles
// are equal when they carry the same reference.
type Entity struct {
	uow      *UnitOfWork
	state    *domain.EntityState
	building bool
}

func (e *Entity) Reference() domain.EntityReference   { return e.state.EntityReference() }
func (e *Entity) Identity() string                    { return e.state.EntityReference().Identity() }
func (e *Entity) Type() string                        { return e.state.Descriptor().Name }
func (e *Entity) Descriptor() *domain.EntityDescriptor { return e.state.Descriptor() }
func (e *Entity) Status() domain.EntityStatus         { return e.state.Status() }
func (e *Entity) Version() string                     { return e.state.Version() }
func (e *Entity) LastModified() time.Time             { return e.state.LastModified() }
func (e *Entity) UnitOfWork() *UnitOfWork             { return e.uow }

// State exposes the underlying state for stores and tooling.
func (e *Entity) State() *domain.EntityState { return e.state }

// Equal compares entities by reference.
func (e *Entity) Equal(other *Entity) bool {
	return other != nil && e.Reference() == other.Reference()
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s[%s]", e.Type(), e.Identity())
}

func (e *Entity) checkWritable(immutable bool, name string) error {
	if e.uow.state == stateClosed {
		return fmt.Errorf("%w: cannot modify %s after completion", domain.ErrUnitOfWorkClosed, e)
	}
	if immutable && !e.building {
		return fmt.Errorf("%w: %s.%s is immutable", domain.ErrIllegalState, e.Type(), name)
	}
	return nil
}

// Property is a view on one property of an entity. Lookup failures surface on
// the first Get or Set.
type Property struct {
	entity *Entity
	desc   *domain.PropertyDescriptor
	name   string
}

// Property returns the view on the named property.
func (e *Entity) Property(name string) *Property {
	desc, _ := e.state.Descriptor().Property(name)
	return &Property{entity: e, desc: desc, name: name}
}

func (p *Property) Name() string { return p.name }

// Descriptor returns the property descriptor, nil for unknown names.
func (p *Property) Descriptor() *domain.PropertyDescriptor { return p.desc }

// Get returns the current value, nil when unset.
func (p *Property) Get() (any, error) {
	return p.entity.state.PropertyValueOf(p.name)
}

// Set assigns a value. Immutable properties can only be set on a builder instance.
func (p *Property) Set(value any) error {
	if p.desc == nil {
		return p.entity.state.SetPropertyValue(p.name, value)
	}
	if err := p.entity.checkWritable(p.desc.Immutable, p.name); err != nil {
		return err
	}
	return p.entity.state.SetPropertyValue(p.name, value)
}

// TypedProperty is a Property view with a static value type. T must be the
// canonical Go type of the property kind, for example int64 for KindInt.
type TypedProperty[T any] struct {
	*Property
}

// PropertyOf returns a typed view on the named property of e.
func PropertyOf[T any](e *Entity, name string) TypedProperty[T] {
	return TypedProperty[T]{Property: e.Property(name)}
}

// Get returns the value, or the zero value of T when unset.
func (p TypedProperty[T]) Get() (T, error) {
	var zero T
	v, err := p.Property.Get()
	if err != nil || v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T, not %T", domain.ErrIllegalState, p.name, v, zero)
	}
	return typed, nil
}

// Set assigns value.
func (p TypedProperty[T]) Set(value T) error {
	return p.Property.Set(value)
}
