package am

import "github.com/teranos/studioos/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d (omit for default %d)", *c.Server.Port, DefaultServerPort)
	}

	// Engine: 0 workers = submit-only node, negative = invalid
	if c.Engine.Workers < 0 {
		return errors.Newf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueCapacity <= 0 {
		return errors.Newf("engine.queue_capacity must be > 0, got %d", c.Engine.QueueCapacity)
	}
	if c.Engine.DefaultMaxAttempts < 1 {
		return errors.Newf("engine.default_max_attempts must be >= 1, got %d", c.Engine.DefaultMaxAttempts)
	}
	if c.Engine.BackoffBaseMS < 0 || c.Engine.BackoffMaxMS < 0 {
		return errors.New("engine.backoff_base_ms and engine.backoff_max_ms must be >= 0")
	}
	if c.Engine.BackoffMaxMS < c.Engine.BackoffBaseMS {
		return errors.Newf("engine.backoff_max_ms (%d) must be >= engine.backoff_base_ms (%d)", c.Engine.BackoffMaxMS, c.Engine.BackoffBaseMS)
	}
	if c.Engine.BackoffFactor < 1 {
		return errors.Newf("engine.backoff_factor must be >= 1, got %f", c.Engine.BackoffFactor)
	}
	if c.Engine.JobTimeoutSeconds < 0 {
		return errors.Newf("engine.job_timeout_seconds must be >= 0, got %d", c.Engine.JobTimeoutSeconds)
	}
	for jobType, p := range c.Engine.Processors {
		if (p.Command == "") == (p.URL == "") {
			return errors.Newf("engine.processors.%s must set exactly one of command or url", jobType)
		}
	}

	if c.Delivery.PlatformTimeoutSeconds < 0 {
		return errors.Newf("delivery.platform_timeout_seconds must be >= 0, got %d", c.Delivery.PlatformTimeoutSeconds)
	}
	for id, p := range c.Delivery.Platforms {
		if p.RatePerSecond < 0 {
			return errors.Newf("delivery.platforms.%s.rate_per_second must be >= 0, got %f", id, p.RatePerSecond)
		}
		if p.LUFSTolerance < 0 {
			return errors.Newf("delivery.platforms.%s.lufs_tolerance must be >= 0, got %f", id, p.LUFSTolerance)
		}
		if p.MinSampleRate < 0 {
			return errors.Newf("delivery.platforms.%s.min_sample_rate must be >= 0, got %d", id, p.MinSampleRate)
		}
	}

	return nil
}
