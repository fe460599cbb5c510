package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FOREMAN_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultSQLitePath, cfg.SQLitePath)
	assert.Equal(t, 5*time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 60*time.Second, cfg.SchedulerPollInterval)
	assert.Equal(t, 300*time.Second, cfg.StaleHeartbeatAge)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_QUEUE_POLL_INTERVAL", "10s")
	t.Setenv("FOREMAN_MAX_RETRIES", "5")
	t.Setenv("FOREMAN_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadBareDatabaseURLAlias(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/foreman")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost/foreman", cfg.DatabaseURL)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.DatabaseURL = ""
	bad.SQLitePath = ""
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.QueuePollInterval = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.StaleHeartbeatAge = -time.Second
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.MaxRetries = -1
	assert.Error(t, bad.Validate())
}
