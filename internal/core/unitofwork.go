package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"entitycore/pkg/domain"
)

type uowState int

const (
	stateOpen uowState = iota
	statePaused
	stateClosed
)

// UnitOfWork is an isolated working set of entity states with an identity
// map. Changes stay local until Complete applies them to the store as one
// optimistic batch. A UnitOfWork must be used by one goroutine at a time.
type UnitOfWork struct {
	factory     *Factory
	id          string
	usecase     Usecase
	currentTime time.Time
	state       uowState

	entities  map[domain.EntityReference]*Entity
	order     []domain.EntityReference
	callbacks []Callback
	meta      map[string]any

	session       *Session
	resumeOnClose *UnitOfWork
}

func newUnitOfWork(f *Factory, usecase Usecase, session *Session) *UnitOfWork {
	if usecase.Name == "" {
		usecase.Name = DefaultUsecase.Name
	}
	meta := maps.Clone(usecase.MetaInfo)
	if meta == nil {
		meta = make(map[string]any)
	}
	u := &UnitOfWork{
		factory:     f,
		id:          uuid.NewString(),
		usecase:     usecase,
		currentTime: f.clock.Now(),
		entities:    make(map[domain.EntityReference]*Entity),
		meta:        meta,
		session:     session,
	}
	f.open.Add(1)
	f.logger.Debug("unit of work opened", "uow", u.id, "usecase", usecase.Name)
	return u
}

func (u *UnitOfWork) ID() string       { return u.id }
func (u *UnitOfWork) Usecase() Usecase { return u.usecase }
func (u *UnitOfWork) Factory() *Factory { return u.factory }

// CurrentTime is the logical time of the unit of work, fixed at creation and
// stamped on every state written by Complete.
func (u *UnitOfWork) CurrentTime() time.Time { return u.currentTime }

// IsOpen reports whether the unit of work has been neither completed nor discarded.
func (u *UnitOfWork) IsOpen() bool { return u.state != stateClosed }

// IsPaused reports whether the unit of work is paused.
func (u *UnitOfWork) IsPaused() bool { return u.state == statePaused }

// MetaInfo returns a metadata entry.
func (u *UnitOfWork) MetaInfo(key string) (any, bool) {
	v, ok := u.meta[key]
	return v, ok
}

// SetMetaInfo stores a metadata entry for the lifetime of the unit of work.
func (u *UnitOfWork) SetMetaInfo(key string, value any) { u.meta[key] = value }

// Entities returns the entities of the working set that are not removed, in
// the order they entered it.
func (u *UnitOfWork) Entities() []*Entity {
	out := make([]*Entity, 0, len(u.order))
	for _, ref := range u.order {
		e := u.entities[ref]
		if e.state.Status() != domain.StatusRemoved {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the entity identified by identity whose type satisfies
// entityType. Repeated calls return the same *Entity.
func (u *UnitOfWork) Get(ctx context.Context, entityType, identity string) (ent *Entity, err error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	ref, err := domain.NewEntityReference(identity)
	if err != nil {
		return nil, err
	}
	candidates, err := u.candidates(entityType)
	if err != nil {
		return nil, err
	}
	if e, ok := u.entities[ref]; ok {
		if e.state.Status() == domain.StatusRemoved || !slices.Contains(candidates, e.state.Descriptor()) {
			return nil, u.noSuchEntity(ref, candidates)
		}
		return e, nil
	}

	ctx, done := u.factory.instrument(ctx, "uow.get", "type", entityType)
	defer func() { done(err) }()

	snap, err := u.factory.store.Fetch(ctx, ref)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return nil, u.noSuchEntity(ref, candidates)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	var desc *domain.EntityDescriptor
	for _, c := range candidates {
		if c.Name == snap.EntityType {
			desc = c
			break
		}
	}
	if desc == nil {
		if _, known := u.factory.registry.Lookup(snap.EntityType); !known {
			return nil, &domain.NoSuchEntityTypeError{Type: snap.EntityType, Module: u.factory.scope.Module}
		}
		return nil, u.noSuchEntity(ref, candidates)
	}
	state, err := domain.DecodeState(desc, snap, u.factory.serializer)
	if err != nil {
		return nil, err
	}
	return u.register(state), nil
}

// Attach returns this unit of work's copy of an entity obtained from another
// unit of work.
func (u *UnitOfWork) Attach(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil entity", domain.ErrIllegalArgument)
	}
	if e.uow == u {
		return e, nil
	}
	return u.Get(ctx, e.Type(), e.Identity())
}

// NewEntity creates and registers an entity in one step. An empty identity is
// generated.
func (u *UnitOfWork) NewEntity(ctx context.Context, entityType, identity string) (*Entity, error) {
	b, err := u.NewEntityBuilder(ctx, entityType, identity)
	if err != nil {
		return nil, err
	}
	return b.NewInstance(ctx)
}

// Remove schedules e for deletion. NEW entities simply leave the working set.
// Aggregated associations are removed with their owner.
func (u *UnitOfWork) Remove(ctx context.Context, e *Entity) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	if e == nil || e.uow != u {
		return fmt.Errorf("%w: entity does not belong to this unit of work", domain.ErrIllegalArgument)
	}
	st := e.state
	desc := st.Descriptor()
	ref := st.EntityReference()
	if !desc.Removable() {
		return &domain.LifecycleError{Reference: ref, Reason: desc.Name + " entities are not removable"}
	}
	if st.Status() == domain.StatusRemoved {
		return &domain.LifecycleError{Reference: ref, Reason: "entity already removed"}
	}
	if desc.OnRemove != nil {
		if err := desc.OnRemove(ctx, st); err != nil {
			return &domain.LifecycleError{Reference: ref, Reason: "remove hook failed", Cause: err}
		}
	}
	wasNew := st.Status() == domain.StatusNew
	st.Remove()
	if err := u.removeAggregated(ctx, st); err != nil {
		return err
	}
	if wasNew {
		delete(u.entities, ref)
		u.order = slices.DeleteFunc(u.order, func(r domain.EntityReference) bool { return r == ref })
	}
	u.factory.logger.Debug("entity removed", "uow", u.id, "reference", string(ref))
	return nil
}

func (u *UnitOfWork) removeAggregated(ctx context.Context, st *domain.EntityState) error {
	desc := st.Descriptor()
	for i := range desc.Associations {
		a := &desc.Associations[i]
		if !a.Aggregated {
			continue
		}
		var refs []domain.EntityReference
		switch a.Kind {
		case domain.AssociationSingle:
			if ref, _ := st.AssociationValueOf(a.Name); !ref.IsZero() {
				refs = append(refs, ref)
			}
		case domain.AssociationMany:
			m, _ := st.ManyAssociationValueOf(a.Name)
			refs = m.References()
		case domain.AssociationNamed:
			n, _ := st.NamedAssociationValueOf(a.Name)
			for _, ref := range n.All() {
				refs = append(refs, ref)
			}
		}
		for _, ref := range refs {
			target, err := u.Get(ctx, a.Target, ref.Identity())
			if errors.Is(err, domain.ErrNoSuchEntity) {
				continue
			}
			if err != nil {
				return err
			}
			if err := u.Remove(ctx, target); err != nil && !errors.Is(err, domain.ErrLifecycle) {
				return err
			}
		}
	}
	return nil
}

// Complete validates the working set and applies every pending change to the
// store as one batch. On a version conflict it returns a
// *domain.ConcurrentEntityModificationError and the unit of work stays open.
func (u *UnitOfWork) Complete(ctx context.Context) (err error) {
	if err := u.checkOpen(); err != nil {
		return err
	}
	ctx, done := u.factory.instrument(ctx, "uow.complete", "usecase", u.usecase.Name)
	defer func() { done(err) }()

	for _, cb := range slices.Clone(u.callbacks) {
		if err := cb.BeforeCompletion(u); err != nil {
			return &domain.UnitOfWorkCompletionError{Usecase: u.usecase.Name, Cause: err}
		}
	}
	changes, err := u.changeset()
	if err != nil {
		return &domain.UnitOfWorkCompletionError{Usecase: u.usecase.Name, Cause: err}
	}
	if len(changes) > 0 {
		if err := u.factory.store.ApplyChanges(ctx, changes); err != nil {
			var conflict *domain.VersionConflictError
			if errors.As(err, &conflict) {
				u.factory.logger.Warn("concurrent entity modification", "uow", u.id, "usecase", u.usecase.Name, "conflicts", len(conflict.References))
				if obs, ok := u.factory.metrics.(ConflictObserver); ok {
					obs.ObserveConflict(ctx, u.usecase.Name, len(conflict.References))
				}
				return &domain.ConcurrentEntityModificationError{Usecase: u.usecase.Name, References: conflict.References}
			}
			return &domain.UnitOfWorkCompletionError{Usecase: u.usecase.Name, Cause: err}
		}
	}
	for _, ref := range u.order {
		st := u.entities[ref].state
		switch st.Status() {
		case domain.StatusNew, domain.StatusUpdated:
			st.MarkLoaded(domain.NextVersion(st.Version()), u.currentTime)
		case domain.StatusRemoved:
			delete(u.entities, ref)
		}
	}
	u.order = slices.DeleteFunc(u.order, func(r domain.EntityReference) bool {
		_, ok := u.entities[r]
		return !ok
	})
	u.factory.logger.Info("unit of work completed", "uow", u.id, "usecase", u.usecase.Name, "changes", len(changes))
	u.close(Completed)
	return nil
}

func (u *UnitOfWork) changeset() ([]domain.Change, error) {
	var changes []domain.Change
	for _, ref := range u.order {
		st := u.entities[ref].state
		desc := st.Descriptor()
		switch st.Status() {
		case domain.StatusNew, domain.StatusUpdated:
			if verr := desc.Validate(st); verr != nil {
				return nil, verr
			}
			snap, err := domain.EncodeState(st, u.factory.serializer)
			if err != nil {
				return nil, err
			}
			snap.Version = domain.NextVersion(st.Version())
			snap.LastModified = u.currentTime
			kind := domain.ChangeUpdate
			if st.Status() == domain.StatusNew {
				kind = domain.ChangeCreate
			}
			changes = append(changes, domain.Change{
				Kind:            kind,
				Reference:       ref,
				EntityType:      desc.Name,
				ExpectedVersion: st.Version(),
				Snapshot:        &snap,
			})
		case domain.StatusRemoved:
			changes = append(changes, domain.Change{
				Kind:            domain.ChangeRemove,
				Reference:       ref,
				EntityType:      desc.Name,
				ExpectedVersion: st.Version(),
			})
		}
	}
	return changes, nil
}

// Discard abandons the unit of work. It is idempotent and never fails.
func (u *UnitOfWork) Discard() {
	if u.state == stateClosed {
		return
	}
	u.factory.logger.Debug("unit of work discarded", "uow", u.id, "usecase", u.usecase.Name)
	u.close(Discarded)
}

// Pause stops the unit of work from being the current one of its session.
// Explicit handles keep working while paused.
func (u *UnitOfWork) Pause() error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	if u.state == statePaused {
		return fmt.Errorf("%w: unit of work %s already paused", domain.ErrIllegalState, u.id)
	}
	u.state = statePaused
	if u.session != nil {
		u.session.detach(u)
	}
	return nil
}

// Resume makes a paused unit of work current again.
func (u *UnitOfWork) Resume() error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	if u.state != statePaused {
		return fmt.Errorf("%w: unit of work %s is not paused", domain.ErrIllegalState, u.id)
	}
	u.state = stateOpen
	if u.session != nil {
		u.session.push(u)
	}
	return nil
}

// AddCallback registers cb. Callbacks run in registration order.
func (u *UnitOfWork) AddCallback(cb Callback) {
	if cb != nil {
		u.callbacks = append(u.callbacks, cb)
	}
}

// RemoveCallback unregisters cb.
func (u *UnitOfWork) RemoveCallback(cb Callback) {
	u.callbacks = slices.DeleteFunc(u.callbacks, func(c Callback) bool { return c == cb })
}

func (u *UnitOfWork) close(status CompletionStatus) {
	u.state = stateClosed
	u.factory.open.Add(-1)
	callbacks := u.callbacks
	u.callbacks = nil
	for _, cb := range callbacks {
		cb.AfterCompletion(u, status)
	}
	if u.session != nil {
		u.session.closed(u)
	}
}

func (u *UnitOfWork) register(st *domain.EntityState) *Entity {
	ref := st.EntityReference()
	e := &Entity{uow: u, state: st}
	if _, exists := u.entities[ref]; !exists {
		u.order = append(u.order, ref)
	}
	u.entities[ref] = e
	return e
}

func (u *UnitOfWork) candidates(entityType string) ([]*domain.EntityDescriptor, error) {
	candidates := u.factory.registry.Candidates(entityType, u.factory.scope)
	if len(candidates) == 0 {
		return nil, &domain.NoSuchEntityTypeError{Type: entityType, Module: u.factory.scope.Module}
	}
	return candidates, nil
}

func (u *UnitOfWork) noSuchEntity(ref domain.EntityReference, candidates []*domain.EntityDescriptor) error {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return &domain.NoSuchEntityError{Reference: ref, Types: names, Usecase: u.usecase.Name}
}

func (u *UnitOfWork) checkOpen() error {
	if u.state == stateClosed {
		return fmt.Errorf("%w: %s", domain.ErrUnitOfWorkClosed, u.usecase.Name)
	}
	return nil
}

func (u *UnitOfWork) String() string {
	return fmt.Sprintf("UnitOfWork{%s %s}", u.usecase.Name, u.id)
}
