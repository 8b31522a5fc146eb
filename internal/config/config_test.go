package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "REDIS_ADDR", "STORE_DRIVER", "DATABASE_URL", "JWT_SECRET", "ORACLE_URL",
		"RESOLVER_INTERVAL", "RESOLVER_MAX_ATTEMPTS", "RESOLVER_BUDGET", "RESOLVER_SWEEP",
		"ALLOWED_ORIGINS", "MATCHSYNC_CONFIG", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverRedis, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.ResolverInterval)
	assert.Equal(t, 30, cfg.ResolverMaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.ResolverBudget)
	assert.Equal(t, "@every 30s", cfg.ResolverSweep)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_UnsupportedDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_SQLDriverNeedsDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "Postgres")

	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/matchsync")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RESOLVER_INTERVAL", "500ms")
	t.Setenv("RESOLVER_MAX_ATTEMPTS", "4")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.ResolverInterval)
	assert.Equal(t, 4, cfg.ResolverMaxAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadConfig_BadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	t.Setenv("RESOLVER_BUDGET", "soon")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("RESOLVER_BUDGET", "")
	t.Setenv("RESOLVER_MAX_ATTEMPTS", "0")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "matchsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
jwt_secret: from-file
store_driver: sqlite
database_url: file:matchsync.db
resolver_sweep: "@every 1m"
`), 0o600))
	t.Setenv("MATCHSYNC_CONFIG", path)
	t.Setenv("PORT", "7070")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "env wins over the file")
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "@every 1m", cfg.ResolverSweep)
	assert.Equal(t, 2*time.Second, cfg.ResolverInterval)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MATCHSYNC_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("UNIT_TEST_ENV", "value")
	assert.Equal(t, "value", getEnvOrDefault("UNIT_TEST_ENV", "fallback"))

	t.Setenv("UNIT_TEST_ENV", "")
	assert.Equal(t, "fallback", getEnvOrDefault("UNIT_TEST_ENV", "fallback"))
}
