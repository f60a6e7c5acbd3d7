package am

import (
	"github.com/robfig/cron/v3"

	"github.com/teranos/nebular/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Pull.Workers < 1 {
		return errors.Newf("pull.workers must be >= 1, got %d", c.Pull.Workers)
	}
	if c.Pull.MaxAttempts < 1 {
		return errors.Newf("pull.max_attempts must be >= 1, got %d", c.Pull.MaxAttempts)
	}
	if c.Pull.MaxSourcesPerCycle < 1 {
		return errors.Newf("pull.max_sources_per_cycle must be >= 1, got %d", c.Pull.MaxSourcesPerCycle)
	}
	if c.Pull.BackoffBaseSeconds < 0 {
		return errors.Newf("pull.backoff_base_seconds must be >= 0, got %d", c.Pull.BackoffBaseSeconds)
	}
	if c.Pull.BackoffMaxSeconds < c.Pull.BackoffBaseSeconds {
		return errors.Newf("pull.backoff_max_seconds (%d) must be >= pull.backoff_base_seconds (%d)",
			c.Pull.BackoffMaxSeconds, c.Pull.BackoffBaseSeconds)
	}
	if c.Pull.AttemptTimeoutSeconds < 0 {
		return errors.Newf("pull.attempt_timeout_seconds must be >= 0, got %d", c.Pull.AttemptTimeoutSeconds)
	}
	if c.Pull.WatchdogMaxSeconds < 0 {
		return errors.Newf("pull.watchdog_max_seconds must be >= 0, got %d", c.Pull.WatchdogMaxSeconds)
	}

	// Empty schedule disables scheduled pulls
	if c.Pull.Schedule != "" {
		if _, err := cron.ParseStandard(c.Pull.Schedule); err != nil {
			return errors.Wrapf(err, "pull.schedule %q is not a valid cron spec", c.Pull.Schedule)
		}
	}

	if c.Events.ThrottleMS < 0 {
		return errors.Newf("events.throttle_ms must be >= 0, got %d", c.Events.ThrottleMS)
	}
	if c.Events.SubscriberBuffer < 0 {
		return errors.Newf("events.subscriber_buffer must be >= 0, got %d", c.Events.SubscriberBuffer)
	}

	if c.Fetch.RequestsPerMinute < 0 {
		return errors.Newf("fetch.requests_per_minute must be >= 0, got %d", c.Fetch.RequestsPerMinute)
	}
	if c.Feeds.DefaultPollIntervalSeconds < 0 {
		return errors.Newf("feeds.default_poll_interval_seconds must be >= 0, got %d", c.Feeds.DefaultPollIntervalSeconds)
	}

	return nil
}
