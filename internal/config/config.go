// Package config loads process configuration for entitycore binaries.
//
// Sources are applied in order, later ones winning: built-in defaults, an
// optional YAML file, an optional .env file and finally ENTITYCORE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers understood by internal/storage.
const (
	DriverMemory      = "memory"
	DriverSQLite      = "sqlite"
	DriverPostgres    = "postgres"
	DriverRedis       = "redis"
	DriverObjectStore = "s3"
)

const envPrefix = "ENTITYCORE_"

// Config is the root configuration document.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	HTTP    HTTPConfig    `yaml:"http"`
	// Schema is the path of the entity type definitions file.
	Schema string      `yaml:"schema"`
	Scope  ScopeConfig `yaml:"scope"`
}

type StorageConfig struct {
	Driver      string            `yaml:"driver"`
	SQLitePath  string            `yaml:"sqlite_path"`
	PostgresDSN string            `yaml:"postgres_dsn"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ObjectStoreConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	Prefix    string `yaml:"prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ScopeConfig names the module entity types are resolved from.
type ScopeConfig struct {
	Module string `yaml:"module"`
	Layer  string `yaml:"layer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "entitycore.db",
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "entitycore:"},
			ObjectStore: ObjectStoreConfig{
				Region: "us-east-1",
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "entitycore"},
		HTTP:    HTTPConfig{Addr: ":8080"},
	}
}

type loadOptions struct {
	dotenv string
	lookup func(string) (string, bool)
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithDotEnv reads variables from path. A missing file is ignored.
func WithDotEnv(path string) LoadOption {
	return func(o *loadOptions) { o.dotenv = path }
}

// WithLookupEnv replaces os.LookupEnv, mainly for tests.
func WithLookupEnv(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		if fn != nil {
			o.lookup = fn
		}
	}
}

// Load builds a Config. An empty path skips the YAML file.
func Load(path string, opts ...LoadOption) (Config, error) {
	o := loadOptions{dotenv: ".env", lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	lookup := o.lookup
	if o.dotenv != "" {
		vars, err := godotenv.Read(o.dotenv)
		switch {
		case err == nil:
			// real environment overrides .env entries
			lookup = func(key string) (string, bool) {
				if v, ok := o.lookup(key); ok {
					return v, true
				}
				v, ok := vars[key]
				return v, ok
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", o.dotenv, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	str("REDIS_PREFIX", &cfg.Storage.Redis.Prefix)
	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", envPrefix, err)
		}
		cfg.Storage.Redis.DB = n
	}
	str("OBJECTSTORE_BUCKET", &cfg.Storage.ObjectStore.Bucket)
	str("OBJECTSTORE_REGION", &cfg.Storage.ObjectStore.Region)
	str("OBJECTSTORE_ENDPOINT", &cfg.Storage.ObjectStore.Endpoint)
	str("OBJECTSTORE_PREFIX", &cfg.Storage.ObjectStore.Prefix)
	if err := boolean("OBJECTSTORE_PATH_STYLE", &cfg.Storage.ObjectStore.PathStyle); err != nil {
		return err
	}
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	if err := boolean("METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}
	str("METRICS_NAMESPACE", &cfg.Metrics.Namespace)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("SCHEMA", &cfg.Schema)
	str("MODULE", &cfg.Scope.Module)
	str("LAYER", &cfg.Scope.Layer)
	return nil
}

// Validate checks driver-specific requirements.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage driver %s requires a dsn", c.Storage.Driver)
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage driver %s requires an address", c.Storage.Driver)
		}
	case DriverObjectStore:
		if c.Storage.ObjectStore.Bucket == "" {
			return fmt.Errorf("storage driver %s requires a bucket", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
