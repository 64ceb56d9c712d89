package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nworkers = 1\n"), 0644))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()

	cw.debouncePeriod = 20 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan int, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c.Engine.Workers
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[engine]\nworkers = 6\n"), 0644))

	select {
	case workers := <-reloaded:
		require.Equal(t, 6, workers)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback was not invoked")
	}
}
