package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) LoadOption {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", WithDotEnv(""), env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "entitycore.db", cfg.Storage.SQLitePath)
}

func TestLoadLayering(t *testing.T) {
	path := writeFile(t, "entitycore.yaml", `
storage:
  driver: redis
  redis:
    addr: cache:6379
    db: 2
logging:
  level: debug
scope:
  module: crm
`)
	dotenv := writeFile(t, ".env", "ENTITYCORE_REDIS_PREFIX=dotenv:\nENTITYCORE_LOG_FORMAT=text\n")
	cfg, err := Load(path, WithDotEnv(dotenv), env(map[string]string{
		"ENTITYCORE_LOG_FORMAT":  "json",
		"ENTITYCORE_REDIS_DB":    "5",
		"ENTITYCORE_LAYER":       "domain",
		"ENTITYCORE_HTTP_ADDR":   "127.0.0.1:9000",
		"ENTITYCORE_UNRELATED_X": "ignored",
	}))
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 5, cfg.Storage.Redis.DB, "environment beats file")
	assert.Equal(t, "dotenv:", cfg.Storage.Redis.Prefix, ".env beats defaults")
	assert.Equal(t, "json", cfg.Logging.Format, "environment beats .env")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "crm", cfg.Scope.Module)
	assert.Equal(t, "domain", cfg.Scope.Layer)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), WithDotEnv(""), env(nil))
	assert.Error(t, err)

	bad := writeFile(t, "bad.yaml", "storage: [")
	_, err = Load(bad, WithDotEnv(""), env(nil))
	assert.Error(t, err)

	cases := map[string]map[string]string{
		"unknown driver":   {"ENTITYCORE_STORAGE_DRIVER": "mongo"},
		"postgres no dsn":  {"ENTITYCORE_STORAGE_DRIVER": "postgres"},
		"s3 no bucket":     {"ENTITYCORE_STORAGE_DRIVER": "s3"},
		"bad redis db":     {"ENTITYCORE_REDIS_DB": "two"},
		"bad bool":         {"ENTITYCORE_METRICS_ENABLED": "maybe"},
		"bad log format":   {"ENTITYCORE_LOG_FORMAT": "xml"},
		"redis empty addr": {"ENTITYCORE_STORAGE_DRIVER": "redis", "ENTITYCORE_REDIS_ADDR": ""},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load("", WithDotEnv(""), env(vars))
			assert.Error(t, err)
		})
	}
}

func TestMissingDotEnvIgnored(t *testing.T) {
	cfg, err := Load("", WithDotEnv(filepath.Join(t.TempDir(), ".env")), env(map[string]string{
		"ENTITYCORE_STORAGE_DRIVER":         "s3",
		"ENTITYCORE_OBJECTSTORE_BUCKET":     "entities",
		"ENTITYCORE_OBJECTSTORE_PATH_STYLE": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, "entities", cfg.Storage.ObjectStore.Bucket)
	assert.True(t, cfg.Storage.ObjectStore.PathStyle)
}
