package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "studioos.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 1000, cfg.Engine.QueueCapacity)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxAttempts)
	assert.Equal(t, 2.0, cfg.Engine.BackoffFactor)
	assert.Equal(t, "blobs", cfg.Storage.BlobDir)
}

func TestLoadFromFile_Platforms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[engine]
workers = 4

[engine.processors.normalize]
command = "studio-dsp normalize --target '-14 LUFS'"

[engine.processors.stems]
url = "http://dsp.internal:9000"

[delivery.platforms.spotify]
name = "Spotify"
endpoint = "https://ingest.example.com/spotify"
rate_per_second = 2.5
formats = ["wav", "flac"]
min_sample_rate = 44100
target_lufs = -14.0
lufs_tolerance = 1.0
max_true_peak_dbtp = -1.0
require_isrc = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Workers)
	require.Contains(t, cfg.Engine.Processors, "normalize")
	assert.Equal(t, "http://dsp.internal:9000", cfg.Engine.Processors["stems"].URL)

	spotify, ok := cfg.Delivery.Platforms["spotify"]
	require.True(t, ok)
	assert.Equal(t, "Spotify", spotify.Name)
	assert.Equal(t, []string{"wav", "flac"}, spotify.Formats)
	require.NotNil(t, spotify.TargetLUFS)
	assert.Equal(t, -14.0, *spotify.TargetLUFS)
	require.NotNil(t, spotify.MaxTruePeakDBTP)
	assert.True(t, spotify.RequireISRC)
}

func validConfig() Config {
	return Config{
		Engine: EngineConfig{
			QueueCapacity:      10,
			DefaultMaxAttempts: 3,
			BackoffBaseMS:      10,
			BackoffMaxMS:       100,
			BackoffFactor:      2,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid baseline", func(c *Config) {}, false},
		{"zero workers is submit-only", func(c *Config) { c.Engine.Workers = 0 }, false},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }, true},
		{"zero port", func(c *Config) { zero := 0; c.Server.Port = &zero }, true},
		{"zero capacity", func(c *Config) { c.Engine.QueueCapacity = 0 }, true},
		{"zero max attempts", func(c *Config) { c.Engine.DefaultMaxAttempts = 0 }, true},
		{"cap below base", func(c *Config) { c.Engine.BackoffMaxMS = 5 }, true},
		{"shrinking factor", func(c *Config) { c.Engine.BackoffFactor = 0.5 }, true},
		{"processor with both", func(c *Config) {
			c.Engine.Processors = map[string]ProcessorConfig{"x": {Command: "a", URL: "b"}}
		}, true},
		{"processor with neither", func(c *Config) {
			c.Engine.Processors = map[string]ProcessorConfig{"x": {}}
		}, true},
		{"negative platform rate", func(c *Config) {
			c.Delivery.Platforms = map[string]PlatformConfig{"p": {RatePerSecond: -1}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
