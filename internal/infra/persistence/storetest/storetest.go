// Package storetest holds behaviour checks shared by every entity store
// backend. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"entitycore/pkg/domain"
)

// Opener returns an empty store. Cleanup is registered on t.
type Opener func(t *testing.T) domain.EntityStore

var stamp = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Snapshot builds a snapshot at version with a name property and one
// association of each kind.
func Snapshot(ref, entityType, version string) *domain.EntitySnapshot {
	return &domain.EntitySnapshot{
		Reference:    domain.EntityReference(ref),
		EntityType:   entityType,
		Version:      version,
		LastModified: stamp,
		Properties: map[string]any{
			"name":  "entity " + ref,
			"count": int64(7),
			"tags":  []any{"a", "b"},
		},
		Associations:      map[string]domain.EntityReference{"owner": "owner-1"},
		ManyAssociations:  map[string][]domain.EntityReference{"items": {"i1", "i2", "i1"}},
		NamedAssociations: map[string][]domain.NamedReference{"links": {{Name: "home", Reference: "h1"}}},
	}
}

// Create returns a create change for ref.
func Create(ref, entityType string) domain.Change {
	return domain.Change{
		Kind:       domain.ChangeCreate,
		Reference:  domain.EntityReference(ref),
		EntityType: entityType,
		Snapshot:   Snapshot(ref, entityType, "1"),
	}
}

// Update returns an update change from version expected.
func Update(ref, entityType, expected string) domain.Change {
	next := domain.NextVersion(expected)
	snap := Snapshot(ref, entityType, next)
	snap.Properties["name"] = "updated " + ref
	return domain.Change{
		Kind:            domain.ChangeUpdate,
		Reference:       domain.EntityReference(ref),
		EntityType:      entityType,
		ExpectedVersion: expected,
		Snapshot:        snap,
	}
}

// Remove returns a remove change from version expected.
func Remove(ref, entityType, expected string) domain.Change {
	return domain.Change{
		Kind:            domain.ChangeRemove,
		Reference:       domain.EntityReference(ref),
		EntityType:      entityType,
		ExpectedVersion: expected,
	}
}

// Run executes the contract against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("FetchMissing", func(t *testing.T) { testFetchMissing(t, open(t)) })
	t.Run("CreateAndFetch", func(t *testing.T) { testCreateAndFetch(t, open(t)) })
	t.Run("UpdateBumpsVersion", func(t *testing.T) { testUpdate(t, open(t)) })
	t.Run("ConflictsAreAllOrNothing", func(t *testing.T) { testConflicts(t, open(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, open(t)) })
	t.Run("FindReferences", func(t *testing.T) { testFind(t, open(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, open(t)) })
}

func mustApply(t *testing.T, s domain.EntityStore, changes ...domain.Change) {
	t.Helper()
	if err := s.ApplyChanges(context.Background(), changes); err != nil {
		t.Fatalf("apply %d changes: %v", len(changes), err)
	}
}

func testFetchMissing(t *testing.T, s domain.EntityStore) {
	_, err := s.Fetch(context.Background(), "nope")
	if !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func testCreateAndFetch(t *testing.T, s domain.EntityStore) {
	mustApply(t, s, Create("e1", "Thing"))
	got, err := s.Fetch(context.Background(), "e1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Reference != "e1" || got.EntityType != "Thing" || got.Version != "1" {
		t.Fatalf("unexpected header %+v", got)
	}
	if !got.LastModified.Equal(stamp) {
		t.Fatalf("expected last modified %v, got %v", stamp, got.LastModified)
	}
	if got.Properties["name"] != "entity e1" || fmt.Sprint(got.Properties["count"]) != "7" {
		t.Fatalf("unexpected properties %+v", got.Properties)
	}
	if got.Associations["owner"] != "owner-1" {
		t.Fatalf("unexpected association %+v", got.Associations)
	}
	if !slices.Equal(got.ManyAssociations["items"], []domain.EntityReference{"i1", "i2", "i1"}) {
		t.Fatalf("many association must keep order and duplicates, got %v", got.ManyAssociations["items"])
	}
	if links := got.NamedAssociations["links"]; len(links) != 1 || links[0].Name != "home" {
		t.Fatalf("unexpected named association %+v", links)
	}
	got.Properties["name"] = "mutated"
	again, _ := s.Fetch(context.Background(), "e1")
	if again.Properties["name"] != "entity e1" {
		t.Fatalf("fetched snapshots must not alias stored state")
	}
}

func testUpdate(t *testing.T, s domain.EntityStore) {
	mustApply(t, s, Create("e1", "Thing"))
	mustApply(t, s, Update("e1", "Thing", "1"))
	got, err := s.Fetch(context.Background(), "e1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Version != "2" || got.Properties["name"] != "updated e1" {
		t.Fatalf("unexpected updated snapshot %+v", got)
	}
}

func testConflicts(t *testing.T, s domain.EntityStore) {
	mustApply(t, s, Create("a", "Thing"), Create("b", "Thing"))
	mustApply(t, s, Update("a", "Thing", "1"))

	err := s.ApplyChanges(context.Background(), []domain.Change{
		Update("a", "Thing", "1"),
		Create("b", "Thing"),
		Create("c", "Thing"),
		Update("b", "Thing", "1"),
	})
	var conflict *domain.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if !slices.Equal(conflict.References, []domain.EntityReference{"a", "b"}) {
		t.Fatalf("expected conflicts [a b], got %v", conflict.References)
	}
	if _, err := s.Fetch(context.Background(), "c"); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("conflicting batch must not apply its valid changes, got %v", err)
	}
	b, _ := s.Fetch(context.Background(), "b")
	if b.Version != "1" {
		t.Fatalf("conflicting batch must not touch b, got version %s", b.Version)
	}
}

func testRemove(t *testing.T, s domain.EntityStore) {
	mustApply(t, s, Create("e1", "Thing"))
	err := s.ApplyChanges(context.Background(), []domain.Change{Remove("e1", "Thing", "7")})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("stale remove must conflict, got %v", err)
	}
	mustApply(t, s, Remove("e1", "Thing", "1"))
	if _, err := s.Fetch(context.Background(), "e1"); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected removed entity to be gone, got %v", err)
	}
	err = s.ApplyChanges(context.Background(), []domain.Change{Remove("e1", "Thing", "1")})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("removing a missing entity must conflict, got %v", err)
	}
	mustApply(t, s, Create("e1", "Thing"))
}

func testFind(t *testing.T, s domain.EntityStore) {
	finder, ok := s.(domain.EntityFinder)
	if !ok {
		t.Skip("store does not enumerate references")
	}
	mustApply(t, s, Create("t2", "Thing"), Create("t1", "Thing"), Create("o1", "Other"))
	mustApply(t, s, Remove("t2", "Thing", "1"), Create("t3", "Thing"))
	refs, err := finder.FindReferences(context.Background(), "Thing")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !slices.Equal(refs, []domain.EntityReference{"t1", "t3"}) {
		t.Fatalf("expected [t1 t3], got %v", refs)
	}
	none, err := finder.FindReferences(context.Background(), "Missing")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no references, got %v %v", none, err)
	}
}

func testConcurrentWriters(t *testing.T, s domain.EntityStore) {
	mustApply(t, s, Create("hot", "Thing"))
	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ApplyChanges(context.Background(), []domain.Change{Update("hot", "Thing", "1")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrConcurrentModification):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d conflicts", succeeded, conflicts)
	}
}
