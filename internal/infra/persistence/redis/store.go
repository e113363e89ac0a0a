// Package redis stores entity snapshots in Redis hashes. Batches are applied
// with optimistic WATCH/MULTI transactions over every touched key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/go-redis/redis/v8"

	"entitycore/pkg/domain"
)

var (
	_ domain.EntityStore  = (*Store)(nil)
	_ domain.EntityFinder = (*Store)(nil)
)

const (
	defaultAddr   = "localhost:6379"
	defaultPrefix = "entitycore:"
	// maxWatchAttempts bounds retries when a watched key changes between the
	// version check and EXEC.
	maxWatchAttempts = 16

	fieldType    = "type"
	fieldVersion = "version"
	fieldPayload = "payload"
)

// Config holds connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is a Redis-backed domain.EntityStore.
type Store struct {
	client *goredis.Client
	prefix string
	watch  func(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix uses the default.
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, watch: client.Watch}
}

func (s *Store) entityKey(ref domain.EntityReference) string { return s.prefix + "entity:" + string(ref) }
func (s *Store) typeKey(entityType string) string         { return s.prefix + "type:" + entityType }

// Fetch implements domain.EntityStore.
func (s *Store) Fetch(ctx context.Context, ref domain.EntityReference) (domain.EntitySnapshot, error) {
	payload, err := s.client.HGet(ctx, s.entityKey(ref), fieldPayload).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.EntitySnapshot{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, ref)
	}
	if err != nil {
		return domain.EntitySnapshot{}, fmt.Errorf("hget %s: %w", ref, err)
	}
	return domain.UnmarshalSnapshot(payload)
}

// ApplyChanges implements domain.EntityStore.
func (s *Store) ApplyChanges(ctx context.Context, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	payloads := make([][]byte, len(changes))
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = s.entityKey(c.Reference)
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
		payloads[i] = data
	}

	txf := func(tx *goredis.Tx) error {
		var conflicts []domain.EntityReference
		for i, c := range changes {
			current, err := tx.HGet(ctx, keys[i], fieldVersion).Result()
			exists := err == nil
			if err != nil && !errors.Is(err, goredis.Nil) {
				return fmt.Errorf("hget version %s: %w", c.Reference, err)
			}
			if !c.Satisfied(current, exists) {
				conflicts = append(conflicts, c.Reference)
			}
		}
		if len(conflicts) > 0 {
			return domain.NewVersionConflictError(conflicts)
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, c := range changes {
				if c.Kind == domain.ChangeRemove {
					pipe.Del(ctx, keys[i])
					pipe.SRem(ctx, s.typeKey(c.EntityType), string(c.Reference))
					continue
				}
				pipe.HSet(ctx, keys[i],
					fieldType, c.EntityType,
					fieldVersion, c.Snapshot.Version,
					fieldPayload, payloads[i])
				pipe.SAdd(ctx, s.typeKey(c.EntityType), string(c.Reference))
			}
			return nil
		})
		return err
	}

	for range maxWatchAttempts {
		err := s.watch(ctx, txf, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	// Every attempt lost the race to another writer on the same keys.
	refs := make([]domain.EntityReference, len(changes))
	for i, c := range changes {
		refs[i] = c.Reference
	}
	return domain.NewVersionConflictError(refs)
}

// FindReferences implements domain.EntityFinder.
func (s *Store) FindReferences(ctx context.Context, entityType string) ([]domain.EntityReference, error) {
	members, err := s.client.SMembers(ctx, s.typeKey(entityType)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", entityType, err)
	}
	out := make([]domain.EntityReference, len(members))
	for i, m := range members {
		out[i] = domain.EntityReference(m)
	}
	slices.Sort(out)
	return out, nil
}

// Client exposes the underlying client for integration testing hooks.
func (s *Store) Client() *goredis.Client { return s.client }

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }
