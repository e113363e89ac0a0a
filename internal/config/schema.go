package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"entitycore/pkg/domain"
)

// SchemaFile is the YAML document describing entity types.
//
//	types:
//	  - name: Person
//	    module: crm
//	    layer: domain
//	    visibility: layer
//	    implements: [Party]
//	    properties:
//	      - {name: email, kind: string, immutable: true, constraints: {not_empty: true}}
//	    associations:
//	      - {name: employer, kind: association, target: Company, optional: true}
type SchemaFile struct {
	Types []TypeSpec `yaml:"types"`
}

type TypeSpec struct {
	Name         string            `yaml:"name"`
	Module       string            `yaml:"module"`
	Layer        string            `yaml:"layer"`
	Visibility   string            `yaml:"visibility"`
	Implements   []string          `yaml:"implements"`
	NotRemovable bool              `yaml:"not_removable"`
	Properties   []PropertySpec    `yaml:"properties"`
	Associations []AssociationSpec `yaml:"associations"`
}

type PropertySpec struct {
	Name        string          `yaml:"name"`
	Kind        string          `yaml:"kind"`
	Optional    bool            `yaml:"optional"`
	Immutable   bool            `yaml:"immutable"`
	Default     any             `yaml:"default"`
	Constraints ConstraintsSpec `yaml:"constraints"`
}

type ConstraintsSpec struct {
	NotEmpty  bool      `yaml:"not_empty"`
	MaxLength int       `yaml:"max_length"`
	Range     []float64 `yaml:"range"`
	Matches   string    `yaml:"matches"`
	OneOf     []string  `yaml:"one_of"`
}

type AssociationSpec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // association, many or named
	Target     string `yaml:"target"`
	Optional   bool   `yaml:"optional"`
	Immutable  bool   `yaml:"immutable"`
	Aggregated bool   `yaml:"aggregated"`
	Unique     bool   `yaml:"unique"`
}

// LoadSchema reads path and registers every type it declares.
func LoadSchema(path string, reg *domain.Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := DecodeSchema(bytes.NewReader(data), reg); err != nil {
		return fmt.Errorf("schema %s: %w", path, err)
	}
	return nil
}

// DecodeSchema decodes a SchemaFile from r into reg. Types are registered in
// document order; the first failure stops registration.
func DecodeSchema(r io.Reader, reg *domain.Registry) error {
	var file SchemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return fmt.Errorf("decode: %w", err)
	}
	for _, ts := range file.Types {
		desc, err := ts.descriptor()
		if err != nil {
			return err
		}
		if _, err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func (t TypeSpec) descriptor() (domain.EntityDescriptor, error) {
	vis, err := domain.ParseVisibility(t.Visibility)
	if err != nil {
		return domain.EntityDescriptor{}, fmt.Errorf("type %s: %w", t.Name, err)
	}
	desc := domain.EntityDescriptor{
		Name:         t.Name,
		Module:       t.Module,
		Layer:        t.Layer,
		Visibility:   vis,
		Implements:   t.Implements,
		NotRemovable: t.NotRemovable,
	}
	for _, p := range t.Properties {
		kind, err := domain.ParseValueKind(p.Kind)
		if err != nil {
			return domain.EntityDescriptor{}, fmt.Errorf("%s.%s: %w", t.Name, p.Name, err)
		}
		constraints, err := p.Constraints.build()
		if err != nil {
			return domain.EntityDescriptor{}, fmt.Errorf("%s.%s: %w", t.Name, p.Name, err)
		}
		desc.Properties = append(desc.Properties, domain.PropertyDescriptor{
			Name:        p.Name,
			Kind:        kind,
			Optional:    p.Optional,
			Immutable:   p.Immutable,
			Default:     p.Default,
			Constraints: constraints,
		})
	}
	for _, a := range t.Associations {
		kind, err := parseAssociationKind(a.Kind)
		if err != nil {
			return domain.EntityDescriptor{}, fmt.Errorf("%s.%s: %w", t.Name, a.Name, err)
		}
		desc.Associations = append(desc.Associations, domain.AssociationDescriptor{
			Name:       a.Name,
			Kind:       kind,
			Target:     a.Target,
			Optional:   a.Optional,
			Immutable:  a.Immutable,
			Aggregated: a.Aggregated,
			Unique:     a.Unique,
		})
	}
	return desc, nil
}

func parseAssociationKind(s string) (domain.AssociationKind, error) {
	switch s {
	case "", "association", "single":
		return domain.AssociationSingle, nil
	case "many", "many-association":
		return domain.AssociationMany, nil
	case "named", "named-association":
		return domain.AssociationNamed, nil
	default:
		return domain.AssociationSingle, fmt.Errorf("%w: unknown association kind %q", domain.ErrIllegalArgument, s)
	}
}

func (c ConstraintsSpec) build() ([]domain.Constraint, error) {
	var out []domain.Constraint
	if c.NotEmpty {
		out = append(out, domain.NotEmpty())
	}
	if c.MaxLength > 0 {
		out = append(out, domain.MaxLength(c.MaxLength))
	}
	if len(c.Range) > 0 {
		if len(c.Range) != 2 || c.Range[0] > c.Range[1] {
			return nil, fmt.Errorf("%w: range needs [min, max]", domain.ErrIllegalArgument)
		}
		out = append(out, domain.Range(c.Range[0], c.Range[1]))
	}
	if c.Matches != "" {
		m, err := matches(c.Matches)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(c.OneOf) > 0 {
		out = append(out, domain.OneOf(c.OneOf...))
	}
	return out, nil
}

// matches converts the panic of an invalid pattern into an error.
func matches(pattern string) (c domain.Constraint, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: invalid pattern %q", domain.ErrIllegalArgument, pattern)
		}
	}()
	return domain.Matches(pattern), nil
}
