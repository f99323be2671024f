package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValidExceptWorkdirs(t *testing.T) {
	cfg := Default()
	// Defaults carry no workdir allowlist; every deployment must set one.
	require.Error(t, cfg.Validate())

	cfg.Agent.AllowedWorkdirs = []string{"/srv/agents"}
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis.internal:6380
  db: 2
agent:
  allowed_workdirs:
    - /srv/agents
  watchdog_timeout: 20m
notify:
  debounce: 250ms
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 20*time.Minute, cfg.Agent.WatchdogTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Notify.Debounce)

	// Untouched fields keep their defaults.
	assert.Equal(t, 100, cfg.Agent.QueueCapacity)
	assert.Equal(t, 5, cfg.Notify.MaxBatch)
	assert.Equal(t, int64(1000), cfg.Redis.StreamCap)
}

func TestLoadRejectsRelativeWorkdir(t *testing.T) {
	path := writeConfig(t, `
agent:
  allowed_workdirs:
    - workspaces
`)
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "redis: [not a map")
	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateCatchesBadValues(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Agent.AllowedWorkdirs = []string{"/srv/agents"}
		return cfg
	}

	cfg := base()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Agent.QueueCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Notify.MaxBatch = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.HTTP.ListenAddr = ""
	assert.Error(t, cfg.Validate())
}
