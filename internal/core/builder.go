package core

import (
	"context"
	"fmt"

	"entitycore/pkg/domain"
)

// StateResolver supplies initial values for a builder. Any function may be
// nil; a false second result leaves the slot at its default.
type StateResolver struct {
	Property         func(name string) (any, bool)
	Association      func(name string) (domain.EntityReference, bool)
	ManyAssociation  func(name string) ([]domain.EntityReference, bool)
	NamedAssociation func(name string) ([]domain.NamedReference, bool)
}

// BuilderOption configures an EntityBuilder.
type BuilderOption func(*builderConfig)

type builderConfig struct {
	resolver *StateResolver
}

// WithInitialState seeds the builder from resolver after property defaults
// have been applied.
func WithInitialState(resolver StateResolver) BuilderOption {
	return func(c *builderConfig) { c.resolver = &resolver }
}

// EntityBuilder stages a NEW entity outside the working set. Immutable
// properties and associations may be set on the builder instance. The entity
// joins the unit of work only when NewInstance succeeds.
type EntityBuilder struct {
	uow       *UnitOfWork
	state     *domain.EntityState
	prototype *Entity
	used      bool
}

// NewEntityBuilder resolves entityType from the factory scope and stages an
// entity with the given identity, generating one when empty.
func (u *UnitOfWork) NewEntityBuilder(_ context.Context, entityType, identity string, opts ...BuilderOption) (*EntityBuilder, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	var cfg builderConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	desc, err := u.factory.registry.Resolve(entityType, u.factory.scope)
	if err != nil {
		return nil, err
	}
	if identity == "" {
		identity = u.factory.identities.Generate(desc.Name)
	}
	ref, err := domain.NewEntityReference(identity)
	if err != nil {
		return nil, err
	}
	state := domain.NewEntityState(desc, ref, "", u.currentTime, domain.StatusNew)
	for i := range desc.Properties {
		p := &desc.Properties[i]
		if p.Default == nil {
			continue
		}
		if err := state.SetPropertyValue(p.Name, domain.CloneValue(p.Default)); err != nil {
			return nil, err
		}
	}
	if cfg.resolver != nil {
		if err := applyResolver(state, *cfg.resolver); err != nil {
			return nil, err
		}
	}
	b := &EntityBuilder{uow: u, state: state}
	b.prototype = &Entity{uow: u, state: state, building: true}
	return b, nil
}

func applyResolver(state *domain.EntityState, r StateResolver) error {
	desc := state.Descriptor()
	if r.Property != nil {
		for i := range desc.Properties {
			name := desc.Properties[i].Name
			if v, ok := r.Property(name); ok {
				if err := state.SetPropertyValue(name, v); err != nil {
					return err
				}
			}
		}
	}
	for i := range desc.Associations {
		a := &desc.Associations[i]
		switch a.Kind {
		case domain.AssociationSingle:
			if r.Association == nil {
				continue
			}
			if ref, ok := r.Association(a.Name); ok {
				if err := state.SetAssociationValue(a.Name, ref); err != nil {
					return err
				}
			}
		case domain.AssociationMany:
			if r.ManyAssociation == nil {
				continue
			}
			refs, ok := r.ManyAssociation(a.Name)
			if !ok {
				continue
			}
			m, _ := state.ManyAssociationValueOf(a.Name)
			for _, ref := range refs {
				if _, err := m.Append(ref); err != nil {
					return err
				}
			}
		case domain.AssociationNamed:
			if r.NamedAssociation == nil {
				continue
			}
			entries, ok := r.NamedAssociation(a.Name)
			if !ok {
				continue
			}
			n, _ := state.NamedAssociationValueOf(a.Name)
			for _, e := range entries {
				if _, err := n.Put(e.Name, e.Reference); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Instance returns the staged entity. Writes through it bypass immutability.
func (b *EntityBuilder) Instance() *Entity { return b.prototype }

// NewInstance runs the create hook, checks constraints and registers the
// entity. On failure the working set is untouched and the builder may be
// corrected and retried. A builder yields at most one instance.
func (b *EntityBuilder) NewInstance(ctx context.Context) (*Entity, error) {
	if b.used {
		return nil, fmt.Errorf("%w: builder already produced an instance", domain.ErrIllegalState)
	}
	u := b.uow
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	ref := b.state.EntityReference()
	if _, exists := u.entities[ref]; exists {
		return nil, &domain.LifecycleError{Reference: ref, Reason: "entity already exists in this unit of work"}
	}
	st := b.state.Rebind(ref)
	desc := st.Descriptor()
	if desc.OnCreate != nil {
		if err := desc.OnCreate(ctx, st); err != nil {
			return nil, &domain.LifecycleError{Reference: ref, Reason: "create hook failed", Cause: err}
		}
	}
	if verr := desc.Validate(st); verr != nil {
		return nil, verr
	}
	b.used = true
	e := u.register(st)
	u.factory.logger.Debug("entity created", "uow", u.id, "type", desc.Name, "reference", string(ref))
	return e, nil
}
