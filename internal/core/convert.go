package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"slices"

	"entitycore/pkg/domain"
)

// EntityValue is a detached copy of an entity's state. Property values keep
// their canonical Go types.
type EntityValue struct {
	Reference         domain.EntityReference              `json:"reference"`
	Type              string                              `json:"type"`
	Version           string                              `json:"version,omitempty"`
	Properties        map[string]any                      `json:"properties,omitempty"`
	Associations      map[string]domain.EntityReference   `json:"associations,omitempty"`
	ManyAssociations  map[string][]domain.EntityReference `json:"many_associations,omitempty"`
	NamedAssociations map[string][]domain.NamedReference  `json:"named_associations,omitempty"`
}

// ToValue copies the current state of e into a value detached from any unit
// of work.
func ToValue(e *Entity) EntityValue {
	st := e.state
	desc := st.Descriptor()
	v := EntityValue{
		Reference:  e.Reference(),
		Type:       desc.Name,
		Version:    e.Version(),
		Properties: make(map[string]any),
	}
	for i := range desc.Properties {
		name := desc.Properties[i].Name
		if val, _ := st.PropertyValueOf(name); val != nil {
			v.Properties[name] = domain.CloneValue(val)
		}
	}
	for i := range desc.Associations {
		a := &desc.Associations[i]
		switch a.Kind {
		case domain.AssociationSingle:
			if ref, _ := st.AssociationValueOf(a.Name); !ref.IsZero() {
				if v.Associations == nil {
					v.Associations = make(map[string]domain.EntityReference)
				}
				v.Associations[a.Name] = ref
			}
		case domain.AssociationMany:
			m, _ := st.ManyAssociationValueOf(a.Name)
			if m.Count() == 0 {
				continue
			}
			if v.ManyAssociations == nil {
				v.ManyAssociations = make(map[string][]domain.EntityReference)
			}
			v.ManyAssociations[a.Name] = m.References()
		case domain.AssociationNamed:
			n, _ := st.NamedAssociationValueOf(a.Name)
			if n.Count() == 0 {
				continue
			}
			if v.NamedAssociations == nil {
				v.NamedAssociations = make(map[string][]domain.NamedReference)
			}
			entries := make([]domain.NamedReference, 0, n.Count())
			for name, ref := range n.All() {
				entries = append(entries, domain.NamedReference{Name: name, Reference: ref})
			}
			v.NamedAssociations[a.Name] = entries
		}
	}
	return v
}

// ToEntity writes value into this unit of work. An existing entity is
// updated in place, skipping immutable slots; otherwise a new entity is built
// from the value.
func (u *UnitOfWork) ToEntity(ctx context.Context, entityType string, value EntityValue) (*Entity, error) {
	e, err := u.Get(ctx, entityType, value.Reference.Identity())
	if errors.Is(err, domain.ErrNoSuchEntity) {
		b, err := u.NewEntityBuilder(ctx, entityType, value.Reference.Identity(), WithInitialState(value.resolver()))
		if err != nil {
			return nil, err
		}
		return b.NewInstance(ctx)
	}
	if err != nil {
		return nil, err
	}
	if err := e.checkWritable(false, ""); err != nil {
		return nil, err
	}
	if err := value.applyTo(e.state); err != nil {
		return nil, err
	}
	return e, nil
}

func (v EntityValue) resolver() StateResolver {
	return StateResolver{
		Property: func(name string) (any, bool) {
			val, ok := v.Properties[name]
			return val, ok
		},
		Association: func(name string) (domain.EntityReference, bool) {
			ref, ok := v.Associations[name]
			return ref, ok
		},
		ManyAssociation: func(name string) ([]domain.EntityReference, bool) {
			refs, ok := v.ManyAssociations[name]
			return refs, ok
		},
		NamedAssociation: func(name string) ([]domain.NamedReference, bool) {
			entries, ok := v.NamedAssociations[name]
			return entries, ok
		},
	}
}

func (v EntityValue) applyTo(st *domain.EntityState) error {
	desc := st.Descriptor()
	for i := range desc.Properties {
		p := &desc.Properties[i]
		if p.Immutable {
			continue
		}
		cur, _ := st.PropertyValueOf(p.Name)
		next, err := domain.CoerceValue(p.Kind, v.Properties[p.Name])
		if err != nil {
			return err
		}
		if domain.ValuesEqual(cur, next) {
			continue
		}
		if err := st.SetPropertyValue(p.Name, next); err != nil {
			return err
		}
	}
	for i := range desc.Associations {
		a := &desc.Associations[i]
		if a.Immutable {
			continue
		}
		switch a.Kind {
		case domain.AssociationSingle:
			cur, _ := st.AssociationValueOf(a.Name)
			if next := v.Associations[a.Name]; cur != next {
				if err := st.SetAssociationValue(a.Name, next); err != nil {
					return err
				}
			}
		case domain.AssociationMany:
			m, _ := st.ManyAssociationValueOf(a.Name)
			next := v.ManyAssociations[a.Name]
			if slices.Equal(m.References(), next) {
				continue
			}
			if err := m.Clear(); err != nil {
				return err
			}
			for _, ref := range next {
				if _, err := m.Append(ref); err != nil {
					return err
				}
			}
		case domain.AssociationNamed:
			n, _ := st.NamedAssociationValueOf(a.Name)
			next := v.NamedAssociations[a.Name]
			cur := make([]domain.NamedReference, 0, n.Count())
			for name, ref := range n.All() {
				cur = append(cur, domain.NamedReference{Name: name, Reference: ref})
			}
			if slices.Equal(cur, next) {
				continue
			}
			if err := n.Clear(); err != nil {
				return err
			}
			for _, entry := range next {
				if _, err := n.Put(entry.Name, entry.Reference); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Clone deep-copies the value.
func (v EntityValue) Clone() EntityValue {
	out := v
	out.Properties = make(map[string]any, len(v.Properties))
	for k, val := range v.Properties {
		out.Properties[k] = domain.CloneValue(val)
	}
	out.Associations = maps.Clone(v.Associations)
	if v.ManyAssociations != nil {
		out.ManyAssociations = make(map[string][]domain.EntityReference, len(v.ManyAssociations))
		for k, refs := range v.ManyAssociations {
			out.ManyAssociations[k] = slices.Clone(refs)
		}
	}
	if v.NamedAssociations != nil {
		out.NamedAssociations = make(map[string][]domain.NamedReference, len(v.NamedAssociations))
		for k, entries := range v.NamedAssociations {
			out.NamedAssociations[k] = slices.Clone(entries)
		}
	}
	return out
}

// DecodeEntityValue reads one JSON entity value. Numbers are decoded without
// going through float64 so large integers keep their precision.
func DecodeEntityValue(r io.Reader) (EntityValue, error) {
	var v EntityValue
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return EntityValue{}, err
	}
	v.Properties = plainNumbers(v.Properties)
	return v, nil
}

// plainNumbers converts json.Number values into int64 when integral and
// float64 otherwise.
func plainNumbers(props map[string]any) map[string]any {
	for k, v := range props {
		props[k] = plainNumber(v)
	}
	return props
}

func plainNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = plainNumber(t[i])
		}
	case map[string]any:
		return plainNumbers(t)
	}
	return v
}
