package am

// Config represents the StudioOS engine configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP/WebSocket API
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 7470
)

// EngineConfig configures the job execution engine
type EngineConfig struct {
	Workers                 int                        `mapstructure:"workers"`                   // concurrent workers (0 = submit only)
	QueueCapacity           int                        `mapstructure:"queue_capacity"`            // max jobs waiting in the queue
	DefaultMaxAttempts      int                        `mapstructure:"default_max_attempts"`      // used when a submission omits maxAttempts
	PollIntervalMS          int                        `mapstructure:"poll_interval_ms"`          // refill from store for jobs inserted elsewhere
	BackoffBaseMS           int                        `mapstructure:"backoff_base_ms"`           // delay before the second attempt
	BackoffMaxMS            int                        `mapstructure:"backoff_max_ms"`            // delay cap
	BackoffFactor           float64                    `mapstructure:"backoff_factor"`            // multiplier per attempt
	BackoffJitter           bool                       `mapstructure:"backoff_jitter"`            // ±20% jitter
	JobTimeoutSeconds       int                        `mapstructure:"job_timeout_seconds"`       // watchdog: max attempt duration (0 = disabled)
	WatchdogIntervalSeconds int                        `mapstructure:"watchdog_interval_seconds"` // watchdog sweep cadence
	Processors              map[string]ProcessorConfig `mapstructure:"processors"`                // job type -> processing function
}

// ProcessorConfig binds a job type to a processing function.
// Exactly one of Command or URL is set.
type ProcessorConfig struct {
	Command             string `mapstructure:"command"`               // local binary, shell-quoted
	URL                 string `mapstructure:"url"`                   // remote processing service
	AllowPrivateNetwork bool   `mapstructure:"allow_private_network"` // permit localhost/private URL targets
}

// DeliveryConfig configures the multi-platform delivery orchestrator
type DeliveryConfig struct {
	PollIntervalMS         int                       `mapstructure:"poll_interval_ms"`         // adapter status polling cadence
	PlatformTimeoutSeconds int                       `mapstructure:"platform_timeout_seconds"` // watchdog for stuck platform tasks (0 = disabled)
	Platforms              map[string]PlatformConfig `mapstructure:"platforms"`                // platform id -> settings
}

// PlatformConfig configures one delivery destination and its content requirements
type PlatformConfig struct {
	Name            string   `mapstructure:"name"`
	Endpoint        string   `mapstructure:"endpoint"`
	APIKey          string   `mapstructure:"api_key"`
	RatePerSecond   float64  `mapstructure:"rate_per_second"` // 0 = unlimited
	Burst           int      `mapstructure:"burst"`
	Formats         []string `mapstructure:"formats"`            // accepted container formats (empty = any)
	MinSampleRate   int      `mapstructure:"min_sample_rate"`    // Hz (0 = any)
	TargetLUFS      *float64 `mapstructure:"target_lufs"`        // integrated loudness target (nil = unchecked)
	LUFSTolerance   float64  `mapstructure:"lufs_tolerance"`     // allowed deviation from TargetLUFS
	MaxTruePeakDBTP *float64 `mapstructure:"max_true_peak_dbtp"` // nil = unchecked
	RequireISRC     bool     `mapstructure:"require_isrc"`

	AllowPrivateNetwork bool `mapstructure:"allow_private_network"` // permit localhost/private endpoints
}

// StorageConfig configures the blob store
type StorageConfig struct {
	BlobDir string `mapstructure:"blob_dir"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
