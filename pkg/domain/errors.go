package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors classify failures for errors.Is checks. The typed errors
// below match one or more of them while carrying the offending references.
var (
	ErrNoSuchEntity           = errors.New("no such entity")
	ErrNoSuchEntityType       = errors.New("no such entity type")
	ErrEntityTypeNotFound     = errors.New("entity type not found")
	ErrAmbiguousType          = errors.New("ambiguous entity type")
	ErrLifecycle              = errors.New("lifecycle violation")
	ErrConstraintViolation    = errors.New("constraint violation")
	ErrUnitOfWorkCompletion   = errors.New("unit of work completion failed")
	ErrConcurrentModification = errors.New("concurrent entity modification")
	ErrUnitOfWorkClosed       = errors.New("unit of work is closed")
	ErrIllegalArgument        = errors.New("illegal argument")
	ErrIllegalState           = errors.New("illegal state")

	// ErrEntityNotFound is returned by stores when a reference has no durable state.
	ErrEntityNotFound = errors.New("entity not found in store")
)

// NoSuchEntityError reports a reference that could not be resolved.
type NoSuchEntityError struct {
	Reference EntityReference
	Types     []string
	Usecase   string
}

func (e *NoSuchEntityError) Error() string {
	msg := fmt.Sprintf("no entity %q of type %s", e.Reference, strings.Join(e.Types, "|"))
	if e.Usecase != "" {
		msg += " in usecase " + e.Usecase
	}
	return msg
}

// Is reports sentinel compatibility.
func (e *NoSuchEntityError) Is(target error) bool { return target == ErrNoSuchEntity }

// NoSuchEntityTypeError reports a type that is not visible from the requesting module.
type NoSuchEntityTypeError struct {
	Type   string
	Module string
}

func (e *NoSuchEntityTypeError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("entity type %q is not visible", e.Type)
	}
	return fmt.Sprintf("entity type %q is not visible from module %q", e.Type, e.Module)
}

// Is reports sentinel compatibility.
func (e *NoSuchEntityTypeError) Is(target error) bool { return target == ErrNoSuchEntityType }

// EntityTypeNotFoundError reports that no registered type satisfies a requested type.
type EntityTypeNotFoundError struct {
	Type string
}

func (e *EntityTypeNotFoundError) Error() string {
	return fmt.Sprintf("could not find an entity type implementing %q", e.Type)
}

// Is reports sentinel compatibility. A missing type is also not visible.
func (e *EntityTypeNotFoundError) Is(target error) bool {
	return target == ErrEntityTypeNotFound || target == ErrNoSuchEntityType
}

// AmbiguousTypeError reports several equally visible candidate types.
type AmbiguousTypeError struct {
	Type       string
	Candidates []string
}

func (e *AmbiguousTypeError) Error() string {
	return fmt.Sprintf("entity type %q is ambiguous: %s", e.Type, strings.Join(e.Candidates, ", "))
}

// Is reports sentinel compatibility.
func (e *AmbiguousTypeError) Is(target error) bool { return target == ErrAmbiguousType }

// LifecycleError reports a create or remove that the entity lifecycle forbids.
type LifecycleError struct {
	Reference EntityReference
	Reason    string
	Cause     error
}

func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("lifecycle violation for %q: %s", e.Reference, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports sentinel compatibility.
func (e *LifecycleError) Is(target error) bool { return target == ErrLifecycle }

func (e *LifecycleError) Unwrap() error { return e.Cause }

// ConstraintViolation describes one failed constraint on one property or association.
type ConstraintViolation struct {
	Name       string
	Constraint string
	Value      any
	Message    string
}

func (v ConstraintViolation) String() string {
	if v.Message != "" {
		return fmt.Sprintf("%s: %s", v.Name, v.Message)
	}
	return fmt.Sprintf("%s violates %s", v.Name, v.Constraint)
}

// ConstraintViolationError collects every violation found on an entity.
type ConstraintViolationError struct {
	EntityType string
	Reference  EntityReference
	Violations []ConstraintViolation
}

func (e *ConstraintViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("constraint violations on %s %q: %s", e.EntityType, e.Reference, strings.Join(parts, "; "))
}

// Is reports sentinel compatibility.
func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

// UnitOfWorkCompletionError reports a completion failure. The cause is
// available through errors.Unwrap.
type UnitOfWorkCompletionError struct {
	Usecase string
	Cause   error
}

func (e *UnitOfWorkCompletionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("unit of work %q could not complete", e.Usecase)
	}
	return fmt.Sprintf("unit of work %q could not complete: %v", e.Usecase, e.Cause)
}

// Is reports sentinel compatibility.
func (e *UnitOfWorkCompletionError) Is(target error) bool { return target == ErrUnitOfWorkCompletion }

func (e *UnitOfWorkCompletionError) Unwrap() error { return e.Cause }

// ConcurrentEntityModificationError names every entity whose durable version
// moved since it was loaded. It is a kind of UnitOfWorkCompletionError.
type ConcurrentEntityModificationError struct {
	Usecase    string
	References []EntityReference
}

func (e *ConcurrentEntityModificationError) Error() string {
	refs := make([]string, len(e.References))
	for i, ref := range e.References {
		refs[i] = string(ref)
	}
	return fmt.Sprintf("concurrent modification of %s", strings.Join(refs, ", "))
}

// Is reports sentinel compatibility with both the concurrent modification and
// completion classes.
func (e *ConcurrentEntityModificationError) Is(target error) bool {
	return target == ErrConcurrentModification || target == ErrUnitOfWorkCompletion
}

// VersionConflictError is raised by stores when expected versions do not match.
type VersionConflictError struct {
	References []EntityReference
}

// NewVersionConflictError builds a conflict error with sorted, de-duplicated references.
func NewVersionConflictError(refs []EntityReference) *VersionConflictError {
	seen := make(map[EntityReference]struct{}, len(refs))
	out := make([]EntityReference, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return &VersionConflictError{References: out}
}

func (e *VersionConflictError) Error() string {
	refs := make([]string, len(e.References))
	for i, ref := range e.References {
		refs[i] = string(ref)
	}
	return "version conflict on " + strings.Join(refs, ", ")
}

// Is reports sentinel compatibility.
func (e *VersionConflictError) Is(target error) bool { return target == ErrConcurrentModification }

// NoSuchStateError reports an unknown property or association name.
type NoSuchStateError struct {
	EntityType string
	Name       string
	Kind       string
}

func (e *NoSuchStateError) Error() string {
	return fmt.Sprintf("%s has no %s named %q", e.EntityType, e.Kind, e.Name)
}

// Is reports sentinel compatibility.
func (e *NoSuchStateError) Is(target error) bool { return target == ErrIllegalArgument }

// EntityStateError reports a mutation attempted on a state that no longer accepts it.
type EntityStateError struct {
	Reference EntityReference
	Status    EntityStatus
	Operation string
}

func (e *EntityStateError) Error() string {
	return fmt.Sprintf("cannot %s entity %q in status %s", e.Operation, e.Reference, e.Status)
}

// Is reports sentinel compatibility.
func (e *EntityStateError) Is(target error) bool { return target == ErrLifecycle }
