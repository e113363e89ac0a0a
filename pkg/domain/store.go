package domain

import (
	"context"
	"strconv"
)

// ChangeKind classifies one entry of a change batch.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeUpdate
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one optimistic write. Creates expect the reference to be absent;
// updates and removes expect the durable version to equal ExpectedVersion.
// Snapshot is nil for removes.
type Change struct {
	Kind            ChangeKind
	Reference       EntityReference
	EntityType      string
	ExpectedVersion string
	Snapshot        *EntitySnapshot
}

// EntityStore is the durable backend of units of work.
//
// ApplyChanges is all-or-nothing. When any expectation fails nothing is
// written and the error is a *VersionConflictError naming every conflicting
// reference of the batch.
type EntityStore interface {
	Fetch(ctx context.Context, ref EntityReference) (EntitySnapshot, error)
	ApplyChanges(ctx context.Context, changes []Change) error
}

// EntityFinder is implemented by stores able to enumerate entities by type.
type EntityFinder interface {
	FindReferences(ctx context.Context, entityType string) ([]EntityReference, error)
}

// Serializer converts property values to and from store-friendly primitives.
type Serializer interface {
	ToPrimitive(value any) (any, error)
	FromPrimitive(value any, kind ValueKind) (any, error)
}

// IdentityGenerator produces identities for new entities.
type IdentityGenerator interface {
	Generate(entityType string) string
}

// NextVersion returns the version a store assigns after a successful write of
// an entity whose previous version was v.
func NextVersion(v string) string {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatUint(n+1, 10)
}

// Satisfied reports whether the change expectation holds against the durable
// version. exists is false when the store has no state for the reference.
func (c Change) Satisfied(current string, exists bool) bool {
	if c.Kind == ChangeCreate {
		return !exists
	}
	return exists && current == c.ExpectedVersion
}
