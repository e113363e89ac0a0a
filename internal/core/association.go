package core

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"

	"entitycore/pkg/domain"
)

// Association is a view on a single-valued reference of an entity. Targets
// are resolved lazily through the owning unit of work.
type Association struct {
	entity *Entity
	desc   *domain.AssociationDescriptor
	name   string
}

// Association returns the view on the named single association.
func (e *Entity) Association(name string) *Association {
	desc, _ := e.state.Descriptor().Association(name)
	return &Association{entity: e, desc: desc, name: name}
}

func (a *Association) Name() string { return a.name }

// Reference returns the stored reference, zero when empty.
func (a *Association) Reference() (domain.EntityReference, error) {
	return a.entity.state.AssociationValueOf(a.name)
}

// Get resolves the target. An empty association yields nil without error.
func (a *Association) Get(ctx context.Context) (*Entity, error) {
	ref, err := a.Reference()
	if err != nil || ref.IsZero() {
		return nil, err
	}
	return a.entity.uow.Get(ctx, a.desc.Target, ref.Identity())
}

// Set points the association at target.
func (a *Association) Set(target *Entity) error {
	if target == nil {
		return fmt.Errorf("%w: nil target for %s", domain.ErrIllegalArgument, a.name)
	}
	if err := checkTarget(a.desc, a.name, target); err != nil {
		return err
	}
	return a.SetReference(target.Reference())
}

// SetReference stores ref without resolving it.
func (a *Association) SetReference(ref domain.EntityReference) error {
	if a.desc == nil {
		return a.entity.state.SetAssociationValue(a.name, ref)
	}
	if ref.IsZero() {
		return fmt.Errorf("%w: empty reference for %s", domain.ErrIllegalArgument, a.name)
	}
	if err := a.entity.checkWritable(a.desc.Immutable, a.name); err != nil {
		return err
	}
	return a.entity.state.SetAssociationValue(a.name, ref)
}

// Clear empties the association.
func (a *Association) Clear() error {
	if a.desc != nil {
		if err := a.entity.checkWritable(a.desc.Immutable, a.name); err != nil {
			return err
		}
	}
	return a.entity.state.SetAssociationValue(a.name, "")
}

func checkTarget(desc *domain.AssociationDescriptor, name string, target *Entity) error {
	if desc == nil {
		return nil
	}
	if target.Reference().IsZero() {
		return fmt.Errorf("%w: target of %s has no identity", domain.ErrIllegalArgument, name)
	}
	if !target.Descriptor().IsAssignableTo(desc.Target) {
		return fmt.Errorf("%w: %s is not a %s", domain.ErrIllegalArgument, target, desc.Target)
	}
	return nil
}

// ManyAssociation is a view on an ordered list of references. Iteration and
// mutation follow list order and keep duplicates. Equality compares the
// descriptor, the count and receiver membership only, so it is not symmetric
// when duplicates are involved.
type ManyAssociation struct {
	entity *Entity
	desc   *domain.AssociationDescriptor
	name   string
}

// ManyAssociation returns the view on the named many-association.
func (e *Entity) ManyAssociation(name string) *ManyAssociation {
	desc, _ := e.state.Descriptor().Association(name)
	return &ManyAssociation{entity: e, desc: desc, name: name}
}

func (m *ManyAssociation) Name() string { return m.name }

func (m *ManyAssociation) state() (*domain.ManyAssociationState, error) {
	return m.entity.state.ManyAssociationValueOf(m.name)
}

func (m *ManyAssociation) writable(target *Entity) (*domain.ManyAssociationState, error) {
	st, err := m.state()
	if err != nil {
		return nil, err
	}
	if err := m.entity.checkWritable(m.desc.Immutable, m.name); err != nil {
		return nil, err
	}
	if target != nil {
		if err := checkTarget(m.desc, m.name, target); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Add inserts target at index i.
func (m *ManyAssociation) Add(i int, target *Entity) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("%w: nil target for %s", domain.ErrIllegalArgument, m.name)
	}
	st, err := m.writable(target)
	if err != nil {
		return false, err
	}
	return st.Add(i, target.Reference())
}

// Append adds target at the end.
func (m *ManyAssociation) Append(target *Entity) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("%w: nil target for %s", domain.ErrIllegalArgument, m.name)
	}
	st, err := m.writable(target)
	if err != nil {
		return false, err
	}
	return st.Append(target.Reference())
}

// Remove deletes the first occurrence of target.
func (m *ManyAssociation) Remove(target *Entity) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("%w: nil target for %s", domain.ErrIllegalArgument, m.name)
	}
	st, err := m.writable(nil)
	if err != nil {
		return false, err
	}
	return st.Remove(target.Reference())
}

// Clear removes every reference.
func (m *ManyAssociation) Clear() error {
	st, err := m.writable(nil)
	if err != nil {
		return err
	}
	return st.Clear()
}

// Contains reports membership of target.
func (m *ManyAssociation) Contains(target *Entity) bool {
	st, err := m.state()
	return err == nil && target != nil && st.Contains(target.Reference())
}

// Count returns the number of references including duplicates.
func (m *ManyAssociation) Count() int {
	st, err := m.state()
	if err != nil {
		return 0
	}
	return st.Count()
}

// References returns the references in list order.
func (m *ManyAssociation) References() []domain.EntityReference {
	st, err := m.state()
	if err != nil {
		return nil
	}
	return st.References()
}

// Get resolves the entity at index i.
func (m *ManyAssociation) Get(ctx context.Context, i int) (*Entity, error) {
	st, err := m.state()
	if err != nil {
		return nil, err
	}
	ref, err := st.Get(i)
	if err != nil {
		return nil, err
	}
	return m.entity.uow.Get(ctx, m.desc.Target, ref.Identity())
}

// ToList resolves every reference in order.
func (m *ManyAssociation) ToList(ctx context.Context) ([]*Entity, error) {
	var out []*Entity
	for e, err := range m.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ToSet resolves every distinct reference, keeping first-occurrence order.
func (m *ManyAssociation) ToSet(ctx context.Context) ([]*Entity, error) {
	seen := make(map[domain.EntityReference]struct{})
	var out []*Entity
	for e, err := range m.All(ctx) {
		if err != nil {
			return nil, err
		}
		if _, dup := seen[e.Reference()]; dup {
			continue
		}
		seen[e.Reference()] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// All resolves references lazily in list order. Iteration stops after the
// first error.
func (m *ManyAssociation) All(ctx context.Context) iter.Seq2[*Entity, error] {
	return func(yield func(*Entity, error) bool) {
		st, err := m.state()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, ref := range st.References() {
			e, err := m.entity.uow.Get(ctx, m.desc.Target, ref.Identity())
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Equal reports whether other has the same descriptor and count and contains
// every reference of m.
func (m *ManyAssociation) Equal(other *ManyAssociation) bool {
	if m == other {
		return true
	}
	if other == nil || m.desc == nil || other.desc == nil || m.desc.ID != other.desc.ID {
		return false
	}
	mine, err := m.state()
	if err != nil {
		return false
	}
	theirs, err := other.state()
	if err != nil || mine.Count() != theirs.Count() {
		return false
	}
	for _, ref := range mine.All() {
		if !theirs.Contains(ref) {
			return false
		}
	}
	return true
}

// Hash is consistent with Equal for associations without duplicates.
func (m *ManyAssociation) Hash() uint64 {
	if m.desc == nil {
		return 0
	}
	hash := uint64(m.desc.ID) * 31
	for _, ref := range m.References() {
		h := fnv.New64a()
		_, _ = h.Write([]byte(ref))
		hash += h.Sum64() * 7
	}
	return hash
}

// NamedAssociation is a view on name to reference entries in insertion order.
type NamedAssociation struct {
	entity *Entity
	desc   *domain.AssociationDescriptor
	name   string
}

// NamedAssociation returns the view on the named association.
func (e *Entity) NamedAssociation(name string) *NamedAssociation {
	desc, _ := e.state.Descriptor().Association(name)
	return &NamedAssociation{entity: e, desc: desc, name: name}
}

func (n *NamedAssociation) Name() string { return n.name }

func (n *NamedAssociation) writable() (*domain.NamedAssociationState, error) {
	st, err := n.entity.state.NamedAssociationValueOf(n.name)
	if err != nil {
		return nil, err
	}
	if err := n.entity.checkWritable(n.desc.Immutable, n.name); err != nil {
		return nil, err
	}
	return st, nil
}

// Put stores target under name.
func (n *NamedAssociation) Put(name string, target *Entity) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("%w: nil target for %s", domain.ErrIllegalArgument, n.name)
	}
	st, err := n.writable()
	if err != nil {
		return false, err
	}
	if err := checkTarget(n.desc, n.name, target); err != nil {
		return false, err
	}
	return st.Put(name, target.Reference())
}

// Remove deletes the entry under name.
func (n *NamedAssociation) Remove(name string) (bool, error) {
	st, err := n.writable()
	if err != nil {
		return false, err
	}
	return st.Remove(name)
}

// Rename moves an entry to a new name.
func (n *NamedAssociation) Rename(from, to string) (bool, error) {
	st, err := n.writable()
	if err != nil {
		return false, err
	}
	return st.Rename(from, to)
}

// Get resolves the entry stored under name, nil when absent.
func (n *NamedAssociation) Get(ctx context.Context, name string) (*Entity, error) {
	st, err := n.entity.state.NamedAssociationValueOf(n.name)
	if err != nil {
		return nil, err
	}
	ref, ok := st.Get(name)
	if !ok {
		return nil, nil
	}
	return n.entity.uow.Get(ctx, n.desc.Target, ref.Identity())
}

// Names returns the entry names in insertion order.
func (n *NamedAssociation) Names() []string {
	st, err := n.entity.state.NamedAssociationValueOf(n.name)
	if err != nil {
		return nil
	}
	return st.Names()
}

// Count returns the number of entries.
func (n *NamedAssociation) Count() int {
	return len(n.Names())
}

// ToMap resolves every entry.
func (n *NamedAssociation) ToMap(ctx context.Context) (map[string]*Entity, error) {
	st, err := n.entity.state.NamedAssociationValueOf(n.name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Entity, st.Count())
	for name, ref := range st.All() {
		e, err := n.entity.uow.Get(ctx, n.desc.Target, ref.Identity())
		if err != nil {
			return nil, err
		}
		out[name] = e
	}
	return out, nil
}
