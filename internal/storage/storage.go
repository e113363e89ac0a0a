// Package storage selects and opens the entity store configured for a
// process.
package storage

import (
	"context"
	"fmt"
	"io"

	"entitycore/internal/config"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/internal/infra/persistence/objectstore"
	"entitycore/internal/infra/persistence/postgres"
	"entitycore/internal/infra/persistence/redis"
	"entitycore/internal/infra/persistence/sqlite"
	"entitycore/pkg/domain"
)

// Store is what every backend offers: optimistic writes plus enumeration by
// type.
type Store interface {
	domain.EntityStore
	domain.EntityFinder
}

// Backend is an opened store together with its driver name.
type Backend struct {
	Store
	Driver string
	closer io.Closer
}

// Close releases driver resources. It is a no-op for the memory driver.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Open connects to the backend named by cfg.Driver. Drivers:
//
//	memory    in-process only (tests / ephemeral)
//	sqlite    embedded file at cfg.SQLitePath
//	postgres  server at cfg.PostgresDSN
//	redis     server at cfg.Redis.Addr
//	s3        bucket cfg.ObjectStore.Bucket (AWS S3 or MinIO)
func Open(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.DriverSQLite
	}
	switch driver {
	case config.DriverMemory:
		return &Backend{Store: memory.NewStore(), Driver: driver}, nil
	case config.DriverSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s, Driver: driver, closer: s}, nil
	case config.DriverPostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s, Driver: driver, closer: s}, nil
	case config.DriverRedis:
		s, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s, Driver: driver, closer: s}, nil
	case config.DriverObjectStore:
		s, err := objectstore.New(ctx, objectstore.Config{
			Bucket:    cfg.ObjectStore.Bucket,
			Region:    cfg.ObjectStore.Region,
			Endpoint:  cfg.ObjectStore.Endpoint,
			PathStyle: cfg.ObjectStore.PathStyle,
			Prefix:    cfg.ObjectStore.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s, Driver: driver}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
