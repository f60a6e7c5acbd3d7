package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/nebular/version"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "nebular.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Pull orchestration defaults
	v.SetDefault("pull.workers", 4)
	v.SetDefault("pull.max_sources_per_cycle", 100)
	v.SetDefault("pull.default_cycles", 1)
	v.SetDefault("pull.scheduled_cycles", 1)
	v.SetDefault("pull.schedule", "@every 5m")
	v.SetDefault("pull.max_attempts", 3)
	v.SetDefault("pull.backoff_base_seconds", 30)
	v.SetDefault("pull.backoff_max_seconds", 3600)
	v.SetDefault("pull.attempt_timeout_seconds", 30)
	v.SetDefault("pull.watchdog_max_seconds", 1800) // 30 minutes
	v.SetDefault("pull.retention_days", 30)
	v.SetDefault("pull.strict_guard", false)

	// Event bus defaults
	v.SetDefault("events.throttle_ms", 250)
	v.SetDefault("events.subscriber_buffer", 64)

	// Fetch defaults
	v.SetDefault("fetch.user_agent", version.UserAgent())
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.requests_per_minute", 30)
	v.SetDefault("fetch.allow_private_hosts", false)

	// Feeds defaults
	v.SetDefault("feeds.default_poll_interval_seconds", 900) // 15 minutes

	// Feature flags default on
	v.SetDefault("flags.events_v2", true)
	v.SetDefault("flags.job_batch_v2", true)
	v.SetDefault("flags.optimistic_mutations", true)
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly set from the environment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "NEBULAR_DATABASE_PATH")
	v.BindEnv("server.port", "NEBULAR_SERVER_PORT")
	v.BindEnv("pull.schedule", "NEBULAR_PULL_SCHEDULE")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "nebular.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerPort returns the configured port, or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetServerAllowedOrigins returns the allowed websocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// AttemptTimeout returns the per-attempt deadline
func (p PullConfig) AttemptTimeout() time.Duration {
	if p.AttemptTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.AttemptTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (p PullConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay cap
func (p PullConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxSeconds) * time.Second
}

// WatchdogMax returns the maximum guard hold time (0 = watchdog disabled)
func (p PullConfig) WatchdogMax() time.Duration {
	return time.Duration(p.WatchdogMaxSeconds) * time.Second
}

// Retention returns how long terminal jobs are kept (0 = forever)
func (p PullConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// Throttle returns the per-kind event throttle window
func (e EventsConfig) Throttle() time.Duration {
	if e.ThrottleMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(e.ThrottleMS) * time.Millisecond
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pull: {Workers: %d, Schedule: %q}, Flags: %+v}",
		c.Database.Path, c.Pull.Workers, c.Pull.Schedule, c.Flags)
}
