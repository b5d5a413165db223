package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.Lease)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 30, cfg.RateLimit.MaxClaims)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  addr: ":9090"
dispatcher:
  workers: 8
  lease: 45s
retry:
  max_attempts: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.Lease)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, "./jobs.db", cfg.Store.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Dispatcher.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Dispatcher.HeartbeatInterval = cfg.Dispatcher.Lease
	assert.Error(t, cfg.Validate(), "heartbeat must beat the lease")

	cfg = base()
	cfg.Retry.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.Window = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())
}
