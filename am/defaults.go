package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "studioos.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Engine defaults
	v.SetDefault("engine.workers", 2)
	v.SetDefault("engine.queue_capacity", 1000)
	v.SetDefault("engine.default_max_attempts", 3)
	v.SetDefault("engine.poll_interval_ms", 1000)
	v.SetDefault("engine.backoff_base_ms", 2000)    // 2s before second attempt
	v.SetDefault("engine.backoff_max_ms", 300000)   // 5 minute cap
	v.SetDefault("engine.backoff_factor", 2.0)
	v.SetDefault("engine.backoff_jitter", true)
	v.SetDefault("engine.job_timeout_seconds", 3600)
	v.SetDefault("engine.watchdog_interval_seconds", 30)

	// Delivery defaults
	v.SetDefault("delivery.poll_interval_ms", 2000)
	v.SetDefault("delivery.platform_timeout_seconds", 6*3600)

	v.SetDefault("storage.blob_dir", "blobs")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "STUDIOOS_DATABASE_PATH")
	v.BindEnv("storage.blob_dir", "STUDIOOS_BLOB_DIR")
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "studioos.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{"http://localhost", "http://127.0.0.1"}
	}
	return c.Server.AllowedOrigins
}
