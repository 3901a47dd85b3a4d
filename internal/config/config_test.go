package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[server]
auth_token = "secret"
max_connections = 3
heartbeat_interval = "15s"

[coordinator]
user_id = "user-1"

[trail.pip_sizes]
usdjpy = 0.01
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Server.MaxConnections)
	assert.Equal(t, 15*time.Second, cfg.Server.HeartbeatInterval.Duration)
	assert.Equal(t, 60*time.Second, cfg.Server.ConnectionTimeout.Duration, "default kept")
	assert.Equal(t, 0.01, cfg.Trail.PipSizes["USDJPY"])
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `[coordinator]
user_id = "from-file"
`)
	t.Setenv("HEDGECOORD_COORDINATOR_USER_ID", "from-env")
	t.Setenv("HEDGECOORD_SERVER_AUTH_TOKEN", "tok")
	t.Setenv("HEDGECOORD_DELIVERY_MAX_RETRIES", "5")
	t.Setenv("HEDGECOORD_TRAIL_PIP_SIZES", "xauusd=0.1, EURUSD=0.0001")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Coordinator.UserID)
	assert.Equal(t, "tok", cfg.Server.AuthToken)
	assert.Equal(t, 5, cfg.Delivery.MaxRetries)
	assert.Equal(t, 0.1, cfg.Trail.PipSizes["XAUUSD"])
	assert.Equal(t, 0.0001, cfg.Trail.PipSizes["EURUSD"])
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Server.MaxConnections = 0
	cfg.Reconcile.Strategy = "coin_flip"
	cfg.Delivery.ShutdownPolicy = "maybe"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "auth_token or auth_token_hash must be set")
	assert.Contains(t, msg, "user_id must not be empty")
	assert.Contains(t, msg, "max_connections must be >= 1")
	assert.Contains(t, msg, `unknown strategy "coin_flip"`)
	assert.Contains(t, msg, "shutdown_policy must be flush or drop")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Server.AuthToken = "terminal-secret"
	cfg.Postgres.Password = "pg"
	cfg.Trail.PipSizes["USDJPY"] = 0.01

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Server.AuthToken)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Empty(t, out.Server.APIKey, "empty secrets stay empty")

	out.Trail.PipSizes["USDJPY"] = 1
	assert.Equal(t, 0.01, cfg.Trail.PipSizes["USDJPY"])
}

func TestValidate_FeedMustMatchBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Server.AuthToken = "tok"
	cfg.Coordinator.UserID = "user-1"

	cfg.Store.Backend = "memory"
	cfg.Store.Feed = "postgres"
	require.ErrorContains(t, cfg.Validate(), "feed postgres requires the postgres backend")

	cfg.Store.Feed = "redis"
	cfg.Redis.Enabled = false
	require.ErrorContains(t, cfg.Validate(), "feed redis requires redis.enabled")

	cfg.Redis.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Store.Feed = "kafka"
	require.ErrorContains(t, cfg.Validate(), `unknown feed "kafka"`)
}
