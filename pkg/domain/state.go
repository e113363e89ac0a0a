package domain

import (
	"maps"
	"time"
)

// EntityState is the mutable record behind one entity inside one unit of work.
// It is not safe for concurrent use; a unit of work is confined to one goroutine.
type EntityState struct {
	descriptor   *EntityDescriptor
	reference    EntityReference
	version      string
	lastModified time.Time
	status       EntityStatus

	properties   map[string]any
	associations map[string]EntityReference
	many         map[string]*ManyAssociationState
	named        map[string]*NamedAssociationState
}

// NewEntityState creates an empty state with a container for every many and
// named association declared by desc.
func NewEntityState(desc *EntityDescriptor, ref EntityReference, version string, lastModified time.Time, status EntityStatus) *EntityState {
	s := &EntityState{
		descriptor:   desc,
		reference:    ref,
		version:      version,
		lastModified: lastModified,
		status:       status,
		properties:   make(map[string]any, len(desc.Properties)),
		associations: make(map[string]EntityReference),
		many:         make(map[string]*ManyAssociationState),
		named:        make(map[string]*NamedAssociationState),
	}
	for i := range desc.Associations {
		a := &desc.Associations[i]
		switch a.Kind {
		case AssociationMany:
			s.many[a.Name] = &ManyAssociationState{owner: s, descriptor: a}
		case AssociationNamed:
			s.named[a.Name] = &NamedAssociationState{owner: s, descriptor: a, refs: make(map[string]EntityReference)}
		}
	}
	return s
}

func (s *EntityState) Descriptor() *EntityDescriptor    { return s.descriptor }
func (s *EntityState) EntityReference() EntityReference { return s.reference }
func (s *EntityState) Version() string                  { return s.version }
func (s *EntityState) LastModified() time.Time          { return s.lastModified }
func (s *EntityState) Status() EntityStatus             { return s.status }

// PropertyValueOf returns the current value of the named property, nil when unset.
func (s *EntityState) PropertyValueOf(name string) (any, error) {
	if _, ok := s.descriptor.Property(name); !ok {
		return nil, &NoSuchStateError{EntityType: s.descriptor.Name, Name: name, Kind: "property"}
	}
	return s.properties[name], nil
}

// SetPropertyValue coerces value to the declared kind and stores it.
func (s *EntityState) SetPropertyValue(name string, value any) error {
	p, ok := s.descriptor.Property(name)
	if !ok {
		return &NoSuchStateError{EntityType: s.descriptor.Name, Name: name, Kind: "property"}
	}
	if err := s.checkMutable("set property " + name); err != nil {
		return err
	}
	coerced, err := CoerceValue(p.Kind, value)
	if err != nil {
		return err
	}
	if coerced == nil {
		delete(s.properties, name)
	} else {
		s.properties[name] = coerced
	}
	s.markUpdated()
	return nil
}

// AssociationValueOf returns the reference held by a single association.
func (s *EntityState) AssociationValueOf(name string) (EntityReference, error) {
	if err := s.checkAssociation(name, AssociationSingle); err != nil {
		return "", err
	}
	return s.associations[name], nil
}

// SetAssociationValue stores ref in a single association. A zero reference clears it.
func (s *EntityState) SetAssociationValue(name string, ref EntityReference) error {
	if err := s.checkAssociation(name, AssociationSingle); err != nil {
		return err
	}
	if err := s.checkMutable("set association " + name); err != nil {
		return err
	}
	if ref.IsZero() {
		delete(s.associations, name)
	} else {
		s.associations[name] = ref
	}
	s.markUpdated()
	return nil
}

// ManyAssociationValueOf returns the mutable container of a many-association.
func (s *EntityState) ManyAssociationValueOf(name string) (*ManyAssociationState, error) {
	if err := s.checkAssociation(name, AssociationMany); err != nil {
		return nil, err
	}
	return s.many[name], nil
}

// NamedAssociationValueOf returns the mutable container of a named association.
func (s *EntityState) NamedAssociationValueOf(name string) (*NamedAssociationState, error) {
	if err := s.checkAssociation(name, AssociationNamed); err != nil {
		return nil, err
	}
	return s.named[name], nil
}

// Remove marks the state REMOVED. Removing twice is a no-op.
func (s *EntityState) Remove() {
	s.status = StatusRemoved
}

// MarkLoaded records a successful write: the state now mirrors durable
// version at lastModified.
func (s *EntityState) MarkLoaded(version string, lastModified time.Time) {
	s.version = version
	s.lastModified = lastModified
	s.status = StatusLoaded
}

// Clone returns a deep copy that shares only the descriptor.
func (s *EntityState) Clone() *EntityState {
	out := NewEntityState(s.descriptor, s.reference, s.version, s.lastModified, s.status)
	for k, v := range s.properties {
		out.properties[k] = CloneValue(v)
	}
	maps.Copy(out.associations, s.associations)
	for name, m := range s.many {
		out.many[name].refs = append([]EntityReference(nil), m.refs...)
	}
	for name, n := range s.named {
		dst := out.named[name]
		dst.names = append([]string(nil), n.names...)
		maps.Copy(dst.refs, n.refs)
	}
	return out
}

// Rebind returns a copy of the state under a different reference with status
// NEW. Used by entity builders.
func (s *EntityState) Rebind(ref EntityReference) *EntityState {
	out := s.Clone()
	out.reference = ref
	out.version = ""
	out.status = StatusNew
	return out
}

func (s *EntityState) checkAssociation(name string, kind AssociationKind) error {
	a, ok := s.descriptor.Association(name)
	if !ok || a.Kind != kind {
		return &NoSuchStateError{EntityType: s.descriptor.Name, Name: name, Kind: kind.String()}
	}
	return nil
}

func (s *EntityState) checkMutable(op string) error {
	if s.status == StatusRemoved {
		return &EntityStateError{Reference: s.reference, Status: s.status, Operation: op}
	}
	return nil
}

func (s *EntityState) markUpdated() {
	if s.status == StatusLoaded {
		s.status = StatusUpdated
	}
}
