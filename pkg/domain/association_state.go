package domain

import (
	"fmt"
	"iter"
	"slices"
)

// ManyAssociationState is the ordered reference list behind a many-association.
// Duplicates are kept unless the descriptor is Unique.
type ManyAssociationState struct {
	owner      *EntityState
	descriptor *AssociationDescriptor
	refs       []EntityReference
}

// Descriptor returns the association descriptor.
func (m *ManyAssociationState) Descriptor() *AssociationDescriptor { return m.descriptor }

func (m *ManyAssociationState) Count() int { return len(m.refs) }

func (m *ManyAssociationState) Contains(ref EntityReference) bool {
	return slices.Contains(m.refs, ref)
}

// Get returns the reference at index i.
func (m *ManyAssociationState) Get(i int) (EntityReference, error) {
	if i < 0 || i >= len(m.refs) {
		return "", fmt.Errorf("%w: index %d out of range [0,%d)", ErrIllegalArgument, i, len(m.refs))
	}
	return m.refs[i], nil
}

// Add inserts ref at index i, shifting later references. It reports false when
// the association is Unique and already holds ref.
func (m *ManyAssociationState) Add(i int, ref EntityReference) (bool, error) {
	if ref.IsZero() {
		return false, fmt.Errorf("%w: cannot add an empty reference to %s", ErrIllegalArgument, m.descriptor.Name)
	}
	if i < 0 || i > len(m.refs) {
		return false, fmt.Errorf("%w: index %d out of range [0,%d]", ErrIllegalArgument, i, len(m.refs))
	}
	if err := m.owner.checkMutable("add to " + m.descriptor.Name); err != nil {
		return false, err
	}
	if m.descriptor.Unique && m.Contains(ref) {
		return false, nil
	}
	m.refs = slices.Insert(m.refs, i, ref)
	m.owner.markUpdated()
	return true, nil
}

// Append adds ref at the end of the list.
func (m *ManyAssociationState) Append(ref EntityReference) (bool, error) {
	return m.Add(len(m.refs), ref)
}

// Remove deletes the first occurrence of ref and reports whether one existed.
func (m *ManyAssociationState) Remove(ref EntityReference) (bool, error) {
	if err := m.owner.checkMutable("remove from " + m.descriptor.Name); err != nil {
		return false, err
	}
	idx := slices.Index(m.refs, ref)
	if idx < 0 {
		return false, nil
	}
	m.refs = slices.Delete(m.refs, idx, idx+1)
	m.owner.markUpdated()
	return true, nil
}

// Clear removes every reference.
func (m *ManyAssociationState) Clear() error {
	if err := m.owner.checkMutable("clear " + m.descriptor.Name); err != nil {
		return err
	}
	if len(m.refs) == 0 {
		return nil
	}
	m.refs = nil
	m.owner.markUpdated()
	return nil
}

// References returns a copy of the list in order.
func (m *ManyAssociationState) References() []EntityReference {
	return slices.Clone(m.refs)
}

// All iterates index and reference pairs in list order.
func (m *ManyAssociationState) All() iter.Seq2[int, EntityReference] {
	return func(yield func(int, EntityReference) bool) {
		for i, ref := range m.refs {
			if !yield(i, ref) {
				return
			}
		}
	}
}

// NamedAssociationState maps names to references, preserving insertion order.
type NamedAssociationState struct {
	owner      *EntityState
	descriptor *AssociationDescriptor
	names      []string
	refs       map[string]EntityReference
}

// Descriptor returns the association descriptor.
func (n *NamedAssociationState) Descriptor() *AssociationDescriptor { return n.descriptor }

func (n *NamedAssociationState) Count() int { return len(n.names) }

func (n *NamedAssociationState) ContainsName(name string) bool {
	_, ok := n.refs[name]
	return ok
}

// Get returns the reference stored under name.
func (n *NamedAssociationState) Get(name string) (EntityReference, bool) {
	ref, ok := n.refs[name]
	return ref, ok
}

// Put stores ref under name. Replacing keeps the original position. It reports
// whether the association changed.
func (n *NamedAssociationState) Put(name string, ref EntityReference) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: association name is required", ErrIllegalArgument)
	}
	if ref.IsZero() {
		return false, fmt.Errorf("%w: cannot put an empty reference into %s", ErrIllegalArgument, n.descriptor.Name)
	}
	if err := n.owner.checkMutable("put into " + n.descriptor.Name); err != nil {
		return false, err
	}
	current, exists := n.refs[name]
	if exists && current == ref {
		return false, nil
	}
	if !exists {
		n.names = append(n.names, name)
	}
	n.refs[name] = ref
	n.owner.markUpdated()
	return true, nil
}

// Remove deletes the entry stored under name.
func (n *NamedAssociationState) Remove(name string) (bool, error) {
	if err := n.owner.checkMutable("remove from " + n.descriptor.Name); err != nil {
		return false, err
	}
	if _, ok := n.refs[name]; !ok {
		return false, nil
	}
	delete(n.refs, name)
	n.names = slices.DeleteFunc(n.names, func(s string) bool { return s == name })
	n.owner.markUpdated()
	return true, nil
}

// Rename moves the entry stored under from to to, keeping its position. It
// fails when to is already taken.
func (n *NamedAssociationState) Rename(from, to string) (bool, error) {
	if to == "" {
		return false, fmt.Errorf("%w: association name is required", ErrIllegalArgument)
	}
	if err := n.owner.checkMutable("rename in " + n.descriptor.Name); err != nil {
		return false, err
	}
	ref, ok := n.refs[from]
	if !ok || from == to {
		return false, nil
	}
	if _, taken := n.refs[to]; taken {
		return false, fmt.Errorf("%w: name %q already used in %s", ErrIllegalArgument, to, n.descriptor.Name)
	}
	delete(n.refs, from)
	n.refs[to] = ref
	n.names[slices.Index(n.names, from)] = to
	n.owner.markUpdated()
	return true, nil
}

// Clear removes every entry.
func (n *NamedAssociationState) Clear() error {
	if err := n.owner.checkMutable("clear " + n.descriptor.Name); err != nil {
		return err
	}
	if len(n.names) == 0 {
		return nil
	}
	n.names = nil
	clear(n.refs)
	n.owner.markUpdated()
	return nil
}

// Names returns the names in insertion order.
func (n *NamedAssociationState) Names() []string { return slices.Clone(n.names) }

// All iterates name and reference pairs in insertion order.
func (n *NamedAssociationState) All() iter.Seq2[string, EntityReference] {
	return func(yield func(string, EntityReference) bool) {
		for _, name := range n.names {
			if !yield(name, n.refs[name]) {
				return
			}
		}
	}
}
