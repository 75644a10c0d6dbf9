package config

import (
	"os"
	"path/filepath"
	"testing"

	"kvs/storage/logstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kvs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, EngineKvs, cfg.Storage.Engine)
	assert.Equal(t, uint64(logstore.DefaultCompactionThreshold), cfg.Storage.CompactionThreshold)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Positive(t, cfg.Server.Workers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 0.0.0.0:5000
  workers: 3
  metrics_addr: :9100
storage:
  dir: /var/lib/kvs
  engine: bolt
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Server.Workers)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr)
	assert.Equal(t, "/var/lib/kvs", cfg.Storage.Dir)
	assert.Equal(t, EngineBolt, cfg.Storage.Engine)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults.
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, uint64(logstore.DefaultCompactionThreshold), cfg.Storage.CompactionThreshold)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  port: 4000\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"engine":    func(c *Config) { c.Storage.Engine = "sled" },
		"workers":   func(c *Config) { c.Server.Workers = 0 },
		"addr":      func(c *Config) { c.Server.Addr = "" },
		"dir":       func(c *Config) { c.Storage.Dir = "" },
		"threshold": func(c *Config) { c.Storage.CompactionThreshold = 0 },
		"level":     func(c *Config) { c.Log.Level = "trace" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Server.Workers = 0
	cfg.Server.Inline = true
	assert.NoError(t, cfg.Validate())
}
