package domain

import (
	"fmt"
	"strings"
)

// EntityReference identifies an entity by its identity string. References are
// immutable values and are safe to use as map keys.
type EntityReference string

// NewEntityReference validates identity and returns the corresponding reference.
func NewEntityReference(identity string) (EntityReference, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return "", fmt.Errorf("%w: entity identity is required", ErrIllegalArgument)
	}
	return EntityReference(trimmed), nil
}

// Identity returns the identity string carried by the reference.
func (r EntityReference) Identity() string { return string(r) }

// IsZero reports whether the reference is unset.
func (r EntityReference) IsZero() bool { return r == "" }

func (r EntityReference) String() string { return string(r) }
