package domain

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Constraint validates a single non-nil value.
type Constraint interface {
	Name() string
	Check(value any) error
}

type constraintFunc struct {
	name string
	fn   func(any) error
}

func (c constraintFunc) Name() string          { return c.name }
func (c constraintFunc) Check(value any) error { return c.fn(value) }

// NewConstraint adapts fn into a named Constraint.
func NewConstraint(name string, fn func(any) error) Constraint {
	return constraintFunc{name: name, fn: fn}
}

// NotEmpty rejects empty strings, lists and maps.
func NotEmpty() Constraint {
	return NewConstraint("not-empty", func(v any) error {
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("must not be empty")
			}
			return nil
		}
		if n, ok := length(v); ok && n == 0 {
			return fmt.Errorf("must not be empty")
		}
		return nil
	})
}

// MaxLength bounds the length of strings (in runes), lists and maps.
func MaxLength(max int) Constraint {
	return NewConstraint(fmt.Sprintf("max-length(%d)", max), func(v any) error {
		n, ok := length(v)
		if !ok {
			return fmt.Errorf("has no length")
		}
		if n > max {
			return fmt.Errorf("length %d exceeds %d", n, max)
		}
		return nil
	})
}

// Range bounds numeric values, inclusive on both ends.
func Range(min, max float64) Constraint {
	return NewConstraint(fmt.Sprintf("range(%g,%g)", min, max), func(v any) error {
		f, ok := toFloat64(v)
		if !ok {
			return fmt.Errorf("%T is not numeric", v)
		}
		if f < min || f > max {
			return fmt.Errorf("%g outside [%g, %g]", f, min, max)
		}
		return nil
	})
}

// Matches requires string values to match pattern. It panics on an invalid
// pattern, like regexp.MustCompile.
func Matches(pattern string) Constraint {
	re := regexp.MustCompile(pattern)
	return NewConstraint("matches("+pattern+")", func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%T is not a string", v)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("%q does not match %s", s, pattern)
		}
		return nil
	})
}

// OneOf restricts string values to the given set.
func OneOf(values ...string) Constraint {
	allowed := slices.Clone(values)
	return NewConstraint("one-of("+strings.Join(allowed, ",")+")", func(v any) error {
		s, ok := v.(string)
		if !ok || !slices.Contains(allowed, s) {
			return fmt.Errorf("%v not in %v", v, allowed)
		}
		return nil
	})
}

func length(v any) (int, bool) {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	}
	return 0, false
}

// Validate checks state against the descriptor: mandatory properties and
// single associations must be set, and every constraint must pass. It returns
// nil when the state is valid.
func (d *EntityDescriptor) Validate(state *EntityState) *ConstraintViolationError {
	var violations []ConstraintViolation
	for i := range d.Properties {
		p := &d.Properties[i]
		value := state.properties[p.Name]
		if value == nil {
			if !p.Optional {
				violations = append(violations, ConstraintViolation{Name: p.Name, Constraint: "required", Message: "is required"})
			}
			continue
		}
		for _, c := range p.Constraints {
			if err := c.Check(value); err != nil {
				violations = append(violations, ConstraintViolation{
					Name:       p.Name,
					Constraint: c.Name(),
					Value:      value,
					Message:    err.Error(),
				})
			}
		}
	}
	for i := range d.Associations {
		a := &d.Associations[i]
		if a.Kind != AssociationSingle || a.Optional {
			continue
		}
		if state.associations[a.Name].IsZero() {
			violations = append(violations, ConstraintViolation{Name: a.Name, Constraint: "required", Message: "is required"})
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &ConstraintViolationError{EntityType: d.Name, Reference: state.reference, Violations: violations}
}
