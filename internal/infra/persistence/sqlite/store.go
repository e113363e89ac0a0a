// Package sqlite persists entity snapshots in a single SQLite table, one row
// per entity, using the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"entitycore/pkg/domain"
)

var (
	_ domain.EntityStore  = (*Store)(nil)
	_ domain.EntityFinder = (*Store)(nil)
)

const defaultPath = "entitycore.db"

const schema = `CREATE TABLE IF NOT EXISTS entities (
	reference     TEXT PRIMARY KEY,
	entity_type   TEXT NOT NULL,
	version       TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	payload       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS entities_type_idx ON entities(entity_type);`

// Store is a SQLite-backed domain.EntityStore.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer connection avoids SQLITE_BUSY under concurrent completions
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entities table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Fetch implements domain.EntityStore.
func (s *Store) Fetch(ctx context.Context, ref domain.EntityReference) (domain.EntitySnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE reference = ?`, string(ref)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EntitySnapshot{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, ref)
	}
	if err != nil {
		return domain.EntitySnapshot{}, fmt.Errorf("select %s: %w", ref, err)
	}
	return domain.UnmarshalSnapshot(payload)
}

// ApplyChanges implements domain.EntityStore inside one SQL transaction.
func (s *Store) ApplyChanges(ctx context.Context, changes []domain.Change) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var conflicts []domain.EntityReference
	for _, c := range changes {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT version FROM entities WHERE reference = ?`, string(c.Reference)).Scan(&current)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select version %s: %w", c.Reference, err)
		}
		if !c.Satisfied(current, exists) {
			conflicts = append(conflicts, c.Reference)
		}
	}
	if len(conflicts) > 0 {
		return domain.NewVersionConflictError(conflicts)
	}

	for _, c := range changes {
		if err := applyChange(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func applyChange(ctx context.Context, tx *sql.Tx, c domain.Change) error {
	if c.Kind == domain.ChangeRemove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE reference = ?`, string(c.Reference)); err != nil {
			return fmt.Errorf("delete %s: %w", c.Reference, err)
		}
		return nil
	}
	if c.Snapshot == nil {
		return fmt.Errorf("%w: %s change for %s has no snapshot", domain.ErrIllegalArgument, c.Kind, c.Reference)
	}
	payload, err := domain.MarshalSnapshot(*c.Snapshot)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.Reference, err)
	}
	modified := c.Snapshot.LastModified.UTC().Format(time.RFC3339Nano)
	if c.Kind == domain.ChangeCreate {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities(reference, entity_type, version, last_modified, payload) VALUES(?,?,?,?,?)`,
			string(c.Reference), c.EntityType, c.Snapshot.Version, modified, payload)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE entities SET entity_type = ?, version = ?, last_modified = ?, payload = ? WHERE reference = ? AND version = ?`,
			c.EntityType, c.Snapshot.Version, modified, payload, string(c.Reference), c.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.Kind, c.Reference, err)
	}
	return nil
}

// FindReferences implements domain.EntityFinder.
func (s *Store) FindReferences(ctx context.Context, entityType string) ([]domain.EntityReference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reference FROM entities WHERE entity_type = ? ORDER BY reference`, entityType)
	if err != nil {
		return nil, fmt.Errorf("select references: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.EntityReference
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, domain.EntityReference(ref))
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
