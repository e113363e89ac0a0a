package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"entitycore/internal/infra/persistence/storetest"
	"entitycore/pkg/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "entities.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.EntityStore { return openTemp(t) })
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entities.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.ApplyChanges(ctx, []domain.Change{storetest.Create("e1", "Thing")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.Path() != path {
		t.Fatalf("unexpected path %q", s.Path())
	}
	_ = s.Close()

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Fetch(ctx, "e1")
	if err != nil || got.Version != "1" {
		t.Fatalf("expected persisted entity, got %+v %v", got, err)
	}
	var version, modified string
	row := reopened.DB().QueryRowContext(ctx, `SELECT version, last_modified FROM entities WHERE reference = 'e1'`)
	if err := row.Scan(&version, &modified); err != nil {
		t.Fatalf("scan row: %v", err)
	}
	if version != "1" || modified != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected row columns %s %s", version, modified)
	}
}

func TestApplyRejectsMissingSnapshot(t *testing.T) {
	s := openTemp(t)
	err := s.ApplyChanges(context.Background(), []domain.Change{{Kind: domain.ChangeCreate, Reference: "x", EntityType: "Thing"}})
	if err == nil {
		t.Fatalf("expected error for create without snapshot")
	}
	refs, _ := s.FindReferences(context.Background(), "Thing")
	if len(refs) != 0 {
		t.Fatalf("failed batch must roll back, got %v", refs)
	}
}
