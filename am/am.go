package am

// Config represents the Nebular configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Pull     PullConfig     `mapstructure:"pull"`
	Events   EventsConfig   `mapstructure:"events"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Flags    FlagsConfig    `mapstructure:"flags"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP/websocket surface
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 7070, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 7070
)

// PullConfig configures the pull orchestrator and its retry policy
type PullConfig struct {
	// Worker concurrency within one cycle (JobBatchV2 on); 1 when the flag is off
	Workers int `mapstructure:"workers"`

	// Due sources fetched per cycle
	MaxSourcesPerCycle int `mapstructure:"max_sources_per_cycle"`

	// Cycle counts: manual default and per cron trigger
	DefaultCycles   int    `mapstructure:"default_cycles"`
	ScheduledCycles int    `mapstructure:"scheduled_cycles"`
	Schedule        string `mapstructure:"schedule"` // cron spec, e.g. "@every 5m" ("" = no scheduled pulls)

	// Retry policy
	MaxAttempts        int `mapstructure:"max_attempts"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds  int `mapstructure:"backoff_max_seconds"`

	// Per-attempt deadline; exceeding it is a transient failure
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`

	// Guard watchdog: force-release a token held longer than this (0 = disabled)
	WatchdogMaxSeconds int `mapstructure:"watchdog_max_seconds"`

	// Terminal jobs older than this are deleted by the scheduler (0 = keep forever)
	RetentionDays int `mapstructure:"retention_days"`

	// Panic on foreign/stale guard release (tests, dev)
	StrictGuard bool `mapstructure:"strict_guard"`
}

// EventsConfig configures the event bus
type EventsConfig struct {
	ThrottleMS       int `mapstructure:"throttle_ms"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// FetchConfig configures outbound feed fetching
type FetchConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	RequestsPerMinute  int    `mapstructure:"requests_per_minute"` // per host, 0 = unlimited
	ClassificationFile string `mapstructure:"classification_file"` // optional TOML rule table
	AllowPrivateHosts  bool   `mapstructure:"allow_private_hosts"` // disables SSRF protection
}

// FeedsConfig configures feed sources
type FeedsConfig struct {
	SeedFile                   string `mapstructure:"seed_file"` // YAML list of sources upserted at startup
	DefaultPollIntervalSeconds int    `mapstructure:"default_poll_interval_seconds"`
}

// FlagsConfig holds the feature switches; all default to true
type FlagsConfig struct {
	EventsV2            bool `mapstructure:"events_v2"`
	JobBatchV2          bool `mapstructure:"job_batch_v2"`
	OptimisticMutations bool `mapstructure:"optimistic_mutations"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
