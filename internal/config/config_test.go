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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
supplier:
  base_url: https://supplier.test/api
inventory:
  watch_tokens: [steam-key, xbox-card]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "https://supplier.test/api", cfg.Supplier.BaseURL)
	assert.Equal(t, []string{"steam-key", "xbox-card"}, cfg.Inventory.WatchTokens)
	assert.Equal(t, uint(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 15*time.Minute, cfg.Inventory.TTL)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, time.Second, 3 * time.Second}, cfg.Executor.DelaySchedule)
	require.Len(t, cfg.Transport.Routes, 4)
	assert.Equal(t, "direct", cfg.Transport.Routes[0].Name)
	assert.True(t, cfg.Transport.Routes[1].EncodeTarget)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STOREFRONT_SERVER_LISTEN", ":9090")
	path := writeConfig(t, "database:\n  driver: sqlite\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"driver", "database:\n  driver: mysql\n"},
		{"breaker backend", "database:\n  driver: sqlite\nbreaker:\n  backend: etcd\n"},
		{"redis without addr", "database:\n  driver: sqlite\nbreaker:\n  backend: redis\n"},
		{"zero threshold", "database:\n  driver: sqlite\nbreaker:\n  failure_threshold: 0\n"},
		{"telegram without token", "database:\n  driver: sqlite\nalerting:\n  telegram:\n    enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestResolveMaxRows(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxRows: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxRows(0))
	assert.Equal(t, 20, cfg.ResolveMaxRows(20))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\nlogging:\n  level: info\n")

	changed := make(chan *Config, 4)
	require.NoError(t, Watch(path, func(cfg *Config) { changed <- cfg }, nil))

	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\nlogging:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatchWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.Error(t, Watch("", func(*Config) {}, nil))
}
