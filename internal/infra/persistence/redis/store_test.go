package redis

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"entitycore/internal/infra/persistence/storetest"
	"entitycore/pkg/domain"
)

func TestKeysUsePrefix(t *testing.T) {
	s := NewWithClient(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "")
	defer func() { _ = s.Close() }()
	if got := s.entityKey("e1"); got != "entitycore:entity:e1" {
		t.Fatalf("unexpected entity key %q", got)
	}
	custom := NewWithClient(s.Client(), "app:")
	if got := custom.typeKey("Person"); got != "app:type:Person" {
		t.Fatalf("unexpected type key %q", got)
	}
}

func TestNewFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := New(ctx, Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestApplyRejectsMissingSnapshot(t *testing.T) {
	s := NewWithClient(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "")
	defer func() { _ = s.Close() }()
	err := s.ApplyChanges(context.Background(), []domain.Change{{Kind: domain.ChangeUpdate, Reference: "x"}})
	if err == nil || !strings.Contains(err.Error(), "no snapshot") {
		t.Fatalf("expected snapshot validation error, got %v", err)
	}
}

func TestContendedBatchReportsConflict(t *testing.T) {
	s := NewWithClient(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "")
	defer func() { _ = s.Close() }()
	attempts := 0
	s.watch = func(context.Context, func(*goredis.Tx) error, ...string) error {
		attempts++
		return goredis.TxFailedErr
	}
	snap := domain.EntitySnapshot{Reference: "b", EntityType: "Person", Version: "1"}
	err := s.ApplyChanges(context.Background(), []domain.Change{
		{Kind: domain.ChangeCreate, Reference: "b", EntityType: "Person", Snapshot: &snap},
		{Kind: domain.ChangeRemove, Reference: "a", EntityType: "Person", ExpectedVersion: "2"},
	})
	var conflict *domain.VersionConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if len(conflict.References) != 2 || conflict.References[0] != "a" || conflict.References[1] != "b" {
		t.Fatalf("expected conflict on [a b], got %v", conflict.References)
	}
	if attempts != maxWatchAttempts {
		t.Fatalf("expected %d attempts, got %d", maxWatchAttempts, attempts)
	}
}

// TestLiveContract runs the shared contract when ENTITYCORE_TEST_REDIS_ADDR
// points at a disposable server. Each subtest uses its own key prefix.
func TestLiveContract(t *testing.T) {
	addr := os.Getenv("ENTITYCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENTITYCORE_TEST_REDIS_ADDR not set")
	}
	storetest.Run(t, func(t *testing.T) domain.EntityStore {
		prefix := "entitycore-test:" + strings.ReplaceAll(t.Name(), "/", ":") + ":" + time.Now().Format("150405.000000") + ":"
		s, err := New(context.Background(), Config{Addr: addr, Prefix: prefix})
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := s.Client().Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				_ = s.Client().Del(ctx, keys...).Err()
			}
			_ = s.Close()
		})
		return s
	})
}
