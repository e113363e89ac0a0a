package domain

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Visibility controls which modules may resolve an entity type.
type Visibility int

const (
	// VisibleModule restricts a type to its declaring module.
	VisibleModule Visibility = iota
	// VisibleLayer exposes a type to every module in the same layer.
	VisibleLayer
	// VisibleApplication exposes a type to every module.
	VisibleApplication
)

func (v Visibility) String() string {
	switch v {
	case VisibleModule:
		return "module"
	case VisibleLayer:
		return "layer"
	case VisibleApplication:
		return "application"
	default:
		return "unknown"
	}
}

// ParseVisibility maps a textual visibility onto its constant. An empty string
// yields VisibleModule.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "module":
		return VisibleModule, nil
	case "layer":
		return VisibleLayer, nil
	case "application":
		return VisibleApplication, nil
	default:
		return VisibleModule, fmt.Errorf("%w: unknown visibility %q", ErrIllegalArgument, s)
	}
}

// AssociationKind distinguishes single, many and named associations.
type AssociationKind int

const (
	AssociationSingle AssociationKind = iota
	AssociationMany
	AssociationNamed
)

func (k AssociationKind) String() string {
	switch k {
	case AssociationSingle:
		return "association"
	case AssociationMany:
		return "many-association"
	case AssociationNamed:
		return "named-association"
	default:
		return "unknown"
	}
}

// PropertyDescriptor declares a property of an entity type.
type PropertyDescriptor struct {
	ID          int
	Name        string
	Kind        ValueKind
	Optional    bool
	Immutable   bool
	Default     any
	Constraints []Constraint
}

// AssociationDescriptor declares a reference-valued slot of an entity type.
type AssociationDescriptor struct {
	ID         int
	Name       string
	Kind       AssociationKind
	Target     string
	Optional   bool
	Immutable  bool
	Aggregated bool
	// Unique makes many-association adds ignore references already present.
	Unique bool
}

// LifecycleHook runs against a state when it is created or removed. A hook
// error aborts the operation.
type LifecycleHook func(ctx context.Context, state *EntityState) error

// EntityDescriptor is the static description of an entity type. Descriptors
// are owned by a Registry once registered and must not be mutated afterwards.
type EntityDescriptor struct {
	ID           int
	Name         string
	Implements   []string
	Module       string
	Layer        string
	Visibility   Visibility
	Properties   []PropertyDescriptor
	Associations []AssociationDescriptor
	NotRemovable bool
	OnCreate     LifecycleHook
	OnRemove     LifecycleHook

	props  map[string]int
	assocs map[string]int
}

// Property returns the named property descriptor.
func (d *EntityDescriptor) Property(name string) (*PropertyDescriptor, bool) {
	idx, ok := d.props[name]
	if !ok {
		return nil, false
	}
	return &d.Properties[idx], true
}

// Association returns the named association descriptor of any kind.
func (d *EntityDescriptor) Association(name string) (*AssociationDescriptor, bool) {
	idx, ok := d.assocs[name]
	if !ok {
		return nil, false
	}
	return &d.Associations[idx], true
}

// Removable reports whether entities of this type may be removed.
func (d *EntityDescriptor) Removable() bool { return !d.NotRemovable }

// IsAssignableTo reports whether the type is, or implements, typeName.
func (d *EntityDescriptor) IsAssignableTo(typeName string) bool {
	return d.Name == typeName || slices.Contains(d.Implements, typeName)
}

// Scope identifies the module from which types are resolved. The zero Scope
// sees every registered type.
type Scope struct {
	Module string
	Layer  string
}

// Registry is the arena of entity descriptors, addressable by ID and by name.
type Registry struct {
	mu       sync.RWMutex
	types    []*EntityDescriptor
	byName   map[string]int
	nextSlot int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register validates and stores a descriptor, assigning IDs to the type and
// to each of its properties and associations.
func (r *Registry) Register(desc EntityDescriptor) (*EntityDescriptor, error) {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: entity type name is required", ErrIllegalArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: entity type %q already registered", ErrIllegalArgument, name)
	}

	out := desc
	out.Name = name
	out.Implements = slices.Clone(desc.Implements)
	out.Properties = slices.Clone(desc.Properties)
	out.Associations = slices.Clone(desc.Associations)
	out.props = make(map[string]int, len(out.Properties))
	out.assocs = make(map[string]int, len(out.Associations))

	for i := range out.Properties {
		p := &out.Properties[i]
		if p.Name == "" {
			return nil, fmt.Errorf("%w: %s has a property without name", ErrIllegalArgument, name)
		}
		if _, dup := out.props[p.Name]; dup {
			return nil, fmt.Errorf("%w: %s declares property %q twice", ErrIllegalArgument, name, p.Name)
		}
		if p.Default != nil {
			v, err := CoerceValue(p.Kind, p.Default)
			if err != nil {
				return nil, fmt.Errorf("default of %s.%s: %w", name, p.Name, err)
			}
			p.Default = v
		}
		p.Constraints = slices.Clone(p.Constraints)
		out.props[p.Name] = i
	}
	for i := range out.Associations {
		a := &out.Associations[i]
		if a.Name == "" {
			return nil, fmt.Errorf("%w: %s has an association without name", ErrIllegalArgument, name)
		}
		if a.Target == "" {
			return nil, fmt.Errorf("%w: %s.%s has no target type", ErrIllegalArgument, name, a.Name)
		}
		if _, dup := out.props[a.Name]; dup {
			return nil, fmt.Errorf("%w: %s declares %q as property and association", ErrIllegalArgument, name, a.Name)
		}
		if _, dup := out.assocs[a.Name]; dup {
			return nil, fmt.Errorf("%w: %s declares association %q twice", ErrIllegalArgument, name, a.Name)
		}
		out.assocs[a.Name] = i
	}

	out.ID = len(r.types)
	for i := range out.Properties {
		out.Properties[i].ID = r.nextSlot
		r.nextSlot++
	}
	for i := range out.Associations {
		out.Associations[i].ID = r.nextSlot
		r.nextSlot++
	}
	stored := &out
	r.types = append(r.types, stored)
	r.byName[name] = out.ID
	return stored, nil
}

// MustRegister is like Register but panics on error. Intended for package-level
// schema declarations.
func (r *Registry) MustRegister(desc EntityDescriptor) *EntityDescriptor {
	d, err := r.Register(desc)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*EntityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.types[idx], true
}

// Descriptor returns the descriptor with the given arena ID.
func (r *Registry) Descriptor(id int) (*EntityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.types) {
		return nil, false
	}
	return r.types[id], true
}

// Types returns every registered descriptor ordered by ID.
func (r *Registry) Types() []*EntityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.types)
}

// Candidates returns the types assignable to typeName that are visible from
// scope, closest visibility first.
func (r *Registry) Candidates(typeName string, scope Scope) []*EntityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type ranked struct {
		desc *EntityDescriptor
		rank int
	}
	var found []ranked
	for _, desc := range r.types {
		if !desc.IsAssignableTo(typeName) {
			continue
		}
		if rank, ok := visibilityRank(desc, scope); ok {
			found = append(found, ranked{desc: desc, rank: rank})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].rank < found[j].rank })
	out := make([]*EntityDescriptor, len(found))
	for i, f := range found {
		out[i] = f.desc
	}
	return out
}

// Resolve selects the single type that satisfies typeName from scope. Types in
// the requesting module win over types in the same layer, which win over
// application-wide types. Within the winning bucket an exact name match beats
// implementers; otherwise more than one candidate is ambiguous.
func (r *Registry) Resolve(typeName string, scope Scope) (*EntityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := -1
	var bucket []*EntityDescriptor
	anyAssignable := false
	for _, desc := range r.types {
		if !desc.IsAssignableTo(typeName) {
			continue
		}
		anyAssignable = true
		rank, ok := visibilityRank(desc, scope)
		if !ok {
			continue
		}
		switch {
		case best == -1 || rank < best:
			best = rank
			bucket = []*EntityDescriptor{desc}
		case rank == best:
			bucket = append(bucket, desc)
		}
	}
	if !anyAssignable {
		return nil, &EntityTypeNotFoundError{Type: typeName}
	}
	if len(bucket) == 0 {
		return nil, &NoSuchEntityTypeError{Type: typeName, Module: scope.Module}
	}
	if len(bucket) == 1 {
		return bucket[0], nil
	}
	for _, desc := range bucket {
		if desc.Name == typeName {
			return desc, nil
		}
	}
	names := make([]string, len(bucket))
	for i, desc := range bucket {
		names[i] = desc.Name
	}
	sort.Strings(names)
	return nil, &AmbiguousTypeError{Type: typeName, Candidates: names}
}

func visibilityRank(desc *EntityDescriptor, scope Scope) (int, bool) {
	if scope.Module == "" {
		return 0, true
	}
	if desc.Module == scope.Module {
		return 0, true
	}
	if desc.Visibility >= VisibleLayer && desc.Layer == scope.Layer {
		return 1, true
	}
	if desc.Visibility == VisibleApplication {
		return 2, true
	}
	return 0, false
}
