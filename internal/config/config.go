// Package config loads orchestrator configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the orchestrator reads at startup.
type Config struct {
	// DatabaseURL selects the backing store. postgres:// and postgresql://
	// URLs use the Postgres driver; anything else is treated as a SQLite
	// path or URL.
	DatabaseURL string
	// SQLitePath is the fallback store when DatabaseURL is unset.
	SQLitePath string

	QueuePollInterval     time.Duration
	SchedulerPollInterval time.Duration
	StaleHeartbeatAge     time.Duration
	CheckpointRetention   time.Duration
	MaxRetries            int
	WarnElapsed           time.Duration

	LogLevel string
}

const (
	defaultSQLitePath          = "foreman.db"
	defaultQueuePoll           = 5 * time.Second
	defaultSchedulerPoll       = 60 * time.Second
	defaultStaleHeartbeatAge   = 300 * time.Second
	defaultCheckpointRetention = 7 * 24 * time.Hour
	defaultMaxRetries          = 3
	defaultWarnElapsed         = 300 * time.Second
)

// Load reads configuration from the environment. FOREMAN_-prefixed
// variables take precedence; the documented bare names DATABASE_URL and
// SQLITE_DB_PATH are honored as aliases.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env aliases kept for compatibility with existing deployments.
	_ = v.BindEnv("database_url", "FOREMAN_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("sqlite_db_path", "FOREMAN_SQLITE_DB_PATH", "SQLITE_DB_PATH")

	v.SetDefault("sqlite_db_path", defaultSQLitePath)
	v.SetDefault("queue_poll_interval", defaultQueuePoll)
	v.SetDefault("scheduler_poll_interval", defaultSchedulerPoll)
	v.SetDefault("stale_heartbeat_age", defaultStaleHeartbeatAge)
	v.SetDefault("checkpoint_retention", defaultCheckpointRetention)
	v.SetDefault("max_retries", defaultMaxRetries)
	v.SetDefault("warn_elapsed", defaultWarnElapsed)
	v.SetDefault("log_level", "info")

	cfg := &Config{
		DatabaseURL:           strings.TrimSpace(v.GetString("database_url")),
		SQLitePath:            strings.TrimSpace(v.GetString("sqlite_db_path")),
		QueuePollInterval:     v.GetDuration("queue_poll_interval"),
		SchedulerPollInterval: v.GetDuration("scheduler_poll_interval"),
		StaleHeartbeatAge:     v.GetDuration("stale_heartbeat_age"),
		CheckpointRetention:   v.GetDuration("checkpoint_retention"),
		MaxRetries:            v.GetInt("max_retries"),
		WarnElapsed:           v.GetDuration("warn_elapsed"),
		LogLevel:              v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every knob is inside its sane range.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: either DATABASE_URL or SQLITE_DB_PATH must be set")
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("config: queue poll interval must be positive, got %s", c.QueuePollInterval)
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("config: scheduler poll interval must be positive, got %s", c.SchedulerPollInterval)
	}
	if c.StaleHeartbeatAge <= 0 {
		return fmt.Errorf("config: stale heartbeat age must be positive, got %s", c.StaleHeartbeatAge)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must be non-negative, got %d", c.MaxRetries)
	}
	return nil
}

// Default returns the built-in configuration without consulting the
// environment. Used by tests and one-shot commands.
func Default() *Config {
	return &Config{
		SQLitePath:            defaultSQLitePath,
		QueuePollInterval:     defaultQueuePoll,
		SchedulerPollInterval: defaultSchedulerPoll,
		StaleHeartbeatAge:     defaultStaleHeartbeatAge,
		CheckpointRetention:   defaultCheckpointRetention,
		MaxRetries:            defaultMaxRetries,
		WarnElapsed:           defaultWarnElapsed,
		LogLevel:              "info",
	}
}
