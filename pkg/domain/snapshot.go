package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntitySnapshot is the store representation of an entity state. Property
// values are primitives produced by a Serializer.
type EntitySnapshot struct {
	Reference         EntityReference              `json:"reference"`
	EntityType        string                       `json:"type"`
	Version           string                       `json:"version"`
	LastModified      time.Time                    `json:"last_modified"`
	Properties        map[string]any               `json:"properties,omitempty"`
	Associations      map[string]EntityReference   `json:"associations,omitempty"`
	ManyAssociations  map[string][]EntityReference `json:"many_associations,omitempty"`
	NamedAssociations map[string][]NamedReference  `json:"named_associations,omitempty"`
}

// NamedReference is one entry of a named association in insertion order.
type NamedReference struct {
	Name      string          `json:"name"`
	Reference EntityReference `json:"reference"`
}

// Clone deep-copies the snapshot.
func (s EntitySnapshot) Clone() EntitySnapshot {
	out := s
	out.Properties = cloneMap(s.Properties)
	out.Associations = maps.Clone(s.Associations)
	if s.ManyAssociations != nil {
		out.ManyAssociations = make(map[string][]EntityReference, len(s.ManyAssociations))
		for k, v := range s.ManyAssociations {
			out.ManyAssociations[k] = slices.Clone(v)
		}
	}
	if s.NamedAssociations != nil {
		out.NamedAssociations = make(map[string][]NamedReference, len(s.NamedAssociations))
		for k, v := range s.NamedAssociations {
			out.NamedAssociations[k] = slices.Clone(v)
		}
	}
	return out
}

// MarshalSnapshot encodes a snapshot as JSON.
func MarshalSnapshot(s EntitySnapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes JSON produced by MarshalSnapshot. Numbers decode
// as json.Number so integer properties keep their precision.
func UnmarshalSnapshot(data []byte) (EntitySnapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s EntitySnapshot
	if err := dec.Decode(&s); err != nil {
		return EntitySnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// EncodeState converts a state into its snapshot form.
func EncodeState(state *EntityState, ser Serializer) (EntitySnapshot, error) {
	snap := EntitySnapshot{
		Reference:    state.reference,
		EntityType:   state.descriptor.Name,
		Version:      state.version,
		LastModified: state.lastModified,
	}
	if len(state.properties) > 0 {
		snap.Properties = make(map[string]any, len(state.properties))
		for name, value := range state.properties {
			prim, err := ser.ToPrimitive(value)
			if err != nil {
				return EntitySnapshot{}, fmt.Errorf("encode %s.%s: %w", state.descriptor.Name, name, err)
			}
			snap.Properties[name] = prim
		}
	}
	if len(state.associations) > 0 {
		snap.Associations = maps.Clone(state.associations)
	}
	for name, m := range state.many {
		if len(m.refs) == 0 {
			continue
		}
		if snap.ManyAssociations == nil {
			snap.ManyAssociations = make(map[string][]EntityReference)
		}
		snap.ManyAssociations[name] = slices.Clone(m.refs)
	}
	for name, n := range state.named {
		if len(n.names) == 0 {
			continue
		}
		if snap.NamedAssociations == nil {
			snap.NamedAssociations = make(map[string][]NamedReference)
		}
		entries := make([]NamedReference, 0, len(n.names))
		for _, key := range n.names {
			entries = append(entries, NamedReference{Name: key, Reference: n.refs[key]})
		}
		snap.NamedAssociations[name] = entries
	}
	return snap, nil
}

// DecodeState rebuilds a LOADED state from a snapshot. Entries that desc no
// longer declares are dropped.
func DecodeState(desc *EntityDescriptor, snap EntitySnapshot, ser Serializer) (*EntityState, error) {
	state := NewEntityState(desc, snap.Reference, snap.Version, snap.LastModified, StatusLoaded)
	for name, raw := range snap.Properties {
		p, ok := desc.Property(name)
		if !ok {
			continue
		}
		value, err := ser.FromPrimitive(raw, p.Kind)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", desc.Name, name, err)
		}
		if value != nil {
			state.properties[name] = value
		}
	}
	for name, ref := range snap.Associations {
		if a, ok := desc.Association(name); ok && a.Kind == AssociationSingle && !ref.IsZero() {
			state.associations[name] = ref
		}
	}
	for name, refs := range snap.ManyAssociations {
		if m, ok := state.many[name]; ok {
			m.refs = slices.Clone(refs)
		}
	}
	for name, entries := range snap.NamedAssociations {
		n, ok := state.named[name]
		if !ok {
			continue
		}
		for _, e := range entries {
			if _, dup := n.refs[e.Name]; !dup {
				n.names = append(n.names, e.Name)
			}
			n.refs[e.Name] = e.Reference
		}
	}
	return state, nil
}

// PrimitiveSerializer maps canonical values onto JSON-compatible primitives:
// times become RFC 3339 strings, everything else is kept as is.
type PrimitiveSerializer struct{}

func (PrimitiveSerializer) ToPrimitive(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil
	default:
		return CloneValue(value), nil
	}
}

func (PrimitiveSerializer) FromPrimitive(value any, kind ValueKind) (any, error) {
	if kind == KindAny {
		return normalizeAny(value), nil
	}
	if kind == KindMap {
		if m, ok := value.(map[string]any); ok {
			return normalizeAny(m), nil
		}
	}
	return CoerceValue(kind, value)
}

func normalizeAny(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeAny(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeAny(item)
		}
		return out
	default:
		return v
	}
}
