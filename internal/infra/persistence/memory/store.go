// Package memory provides an in-memory entity store used for tests and
// ephemeral environments. States are kept as encoded payloads so callers never
// share memory with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"entitycore/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.EntityStore  = (*Store)(nil)
	_ domain.EntityFinder = (*Store)(nil)
)

type record struct {
	entityType string
	version    string
	payload    []byte
}

// Store is a mutex-guarded map of entity payloads.
type Store struct {
	mu      sync.RWMutex
	records map[domain.EntityReference]record
}

// Snapshot is a portable dump of the store, used for export and import.
type Snapshot struct {
	Entities []json.RawMessage `json:"entities"`
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{records: make(map[domain.EntityReference]record)}
}

// Fetch implements domain.EntityStore.
func (s *Store) Fetch(_ context.Context, ref domain.EntityReference) (domain.EntitySnapshot, error) {
	s.mu.RLock()
	rec, ok := s.records[ref]
	s.mu.RUnlock()
	if !ok {
		return domain.EntitySnapshot{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, ref)
	}
	return domain.UnmarshalSnapshot(rec.payload)
}

// ApplyChanges implements domain.EntityStore. Expectations are checked for the
// whole batch before anything is written.
func (s *Store) ApplyChanges(_ context.Context, changes []domain.Change) error {
	encoded := make([][]byte, len(changes))
	for i, c := range changes {
		if c.Kind == domain.ChangeRemove {
			continue
		}
		if c.Snapshot == nil {
			return fmt.Errorf("%w: %s change for %s has no snapshot", domain.ErrIllegalArgument, c.Kind, c.Reference)
		}
		data, err := domain.MarshalSnapshot(*c.Snapshot)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c.Reference, err)
		}
		encoded[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var conflicts []domain.EntityReference
	for _, c := range changes {
		cur, exists := s.records[c.Reference]
		if !c.Satisfied(cur.version, exists) {
			conflicts = append(conflicts, c.Reference)
		}
	}
	if len(conflicts) > 0 {
		return domain.NewVersionConflictError(conflicts)
	}
	for i, c := range changes {
		if c.Kind == domain.ChangeRemove {
			delete(s.records, c.Reference)
			continue
		}
		s.records[c.Reference] = record{entityType: c.EntityType, version: c.Snapshot.Version, payload: encoded[i]}
	}
	return nil
}

// FindReferences implements domain.EntityFinder.
func (s *Store) FindReferences(_ context.Context, entityType string) ([]domain.EntityReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.EntityReference
	for ref, rec := range s.records {
		if rec.entityType == entityType {
			out = append(out, ref)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ExportState returns every stored payload ordered by reference.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]domain.EntityReference, 0, len(s.records))
	for ref := range s.records {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	out := Snapshot{Entities: make([]json.RawMessage, 0, len(refs))}
	for _, ref := range refs {
		out.Entities = append(out.Entities, slices.Clone(s.records[ref].payload))
	}
	return out
}

// ImportState replaces the store content. Entries without reference or type
// are rejected; entries without version are imported at version 1.
func (s *Store) ImportState(snapshot Snapshot) error {
	records := make(map[domain.EntityReference]record, len(snapshot.Entities))
	for i, raw := range snapshot.Entities {
		snap, err := domain.UnmarshalSnapshot(raw)
		if err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
		if snap.Reference.IsZero() || snap.EntityType == "" {
			return fmt.Errorf("%w: entity %d lacks reference or type", domain.ErrIllegalArgument, i)
		}
		if snap.Version == "" {
			snap.Version = "1"
		}
		data, err := domain.MarshalSnapshot(snap)
		if err != nil {
			return fmt.Errorf("entity %s: %w", snap.Reference, err)
		}
		records[snap.Reference] = record{entityType: snap.EntityType, version: snap.Version, payload: data}
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}
