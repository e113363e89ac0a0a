// Package postgres provides a Postgres-backed entity store. Each entity is one
// row holding its version and a JSONB snapshot; batches are applied in a
// transaction holding row locks on every touched reference.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"entitycore/pkg/domain"
)

var (
	_ domain.EntityStore  = (*Store)(nil)
	_ domain.EntityFinder = (*Store)(nil)
)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with the storage defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/entitycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		reference     TEXT PRIMARY KEY,
		entity_type   TEXT NOT NULL,
		version       TEXT NOT NULL,
		last_modified TIMESTAMPTZ NOT NULL,
		payload       JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entities_type_idx ON entities(entity_type)`,
}

// Store persists entity snapshots to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and ensures the entities table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Fetch implements domain.EntityStore.
func (s *Store) Fetch(ctx context.Context, ref domain.EntityReference) (domain.EntitySnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE reference = $1`, string(ref)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EntitySnapshot{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, ref)
	}
	if err != nil {
		return domain.EntitySnapshot{}, fmt.Errorf("select %s: %w", ref, err)
	}
	return domain.UnmarshalSnapshot(payload)
}

// ApplyChanges implements domain.EntityStore. Existing rows are locked with
// SELECT ... FOR UPDATE before any write; inserts that lose a race against a
// concurrent create surface as conflicts too.
func (s *Store) ApplyChanges(ctx context.Context, changes []domain.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var conflicts []domain.EntityReference
	for _, c := range changes {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT version FROM entities WHERE reference = $1 FOR UPDATE`, string(c.Reference)).Scan(&current)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock %s: %w", c.Reference, err)
		}
		if !c.Satisfied(current, exists) {
			conflicts = append(conflicts, c.Reference)
		}
	}
	if len(conflicts) > 0 {
		return domain.NewVersionConflictError(conflicts)
	}

	for _, c := range changes {
		applied, err := applyChange(ctx, tx, c)
		if err != nil {
			return err
		}
		if !applied {
			return domain.NewVersionConflictError([]domain.EntityReference{c.Reference})
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func applyChange(ctx context.Context, tx *sql.Tx, c domain.Change) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch c.Kind {
	case domain.ChangeRemove:
		res, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE reference = $1 AND version = $2`, string(c.Reference), c.ExpectedVersion)
	case domain.ChangeCreate, domain.ChangeUpdate:
		if c.Snapshot == nil {
			return false, fmt.Errorf("%w: %s change for %s has no snapshot", domain.ErrIllegalArgument, c.Kind, c.Reference)
		}
		payload, encErr := domain.MarshalSnapshot(*c.Snapshot)
		if encErr != nil {
			return false, fmt.Errorf("encode %s: %w", c.Reference, encErr)
		}
		if c.Kind == domain.ChangeCreate {
			res, err = tx.ExecContext(ctx,
				`INSERT INTO entities(reference, entity_type, version, last_modified, payload) VALUES($1,$2,$3,$4,$5) ON CONFLICT (reference) DO NOTHING`,
				string(c.Reference), c.EntityType, c.Snapshot.Version, c.Snapshot.LastModified, payload)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE entities SET entity_type = $1, version = $2, last_modified = $3, payload = $4 WHERE reference = $5 AND version = $6`,
				c.EntityType, c.Snapshot.Version, c.Snapshot.LastModified, payload, string(c.Reference), c.ExpectedVersion)
		}
	default:
		return false, fmt.Errorf("%w: unknown change kind %d", domain.ErrIllegalArgument, c.Kind)
	}
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", c.Kind, c.Reference, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", c.Kind, c.Reference, err)
	}
	return n == 1, nil
}

// FindReferences implements domain.EntityFinder.
func (s *Store) FindReferences(ctx context.Context, entityType string) ([]domain.EntityReference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reference FROM entities WHERE entity_type = $1 ORDER BY reference`, entityType)
	if err != nil {
		return nil, fmt.Errorf("select references: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.EntityReference
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, domain.EntityReference(ref))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
