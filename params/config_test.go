package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 100, cfg.Engine.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Engine.SweepTimeout)
	assert.Equal(t, 15*time.Second, cfg.Session.Timers.PreOpen)
	assert.Equal(t, int64(1000), cfg.Session.DefaultPrevClose)
	assert.Less(t, cfg.Storage.DBStatementTimeout, cfg.Engine.SweepTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "exchange.yaml", `
engine:
  sweep_timeout: 20s
  breaker:
    failure_threshold: 7
session:
  timers:
    pre_open: 10s
    locked: 2s
storage:
  book_backend: pebble
  pebble_path: /var/lib/book
server:
  addr: ":9000"
`)
	envPath := writeFile(t, dir, ".env", "SESSION_LOCKED_MS=7000\nBOOK_BACKEND=redis\n")
	t.Cleanup(func() {
		os.Unsetenv("SESSION_LOCKED_MS")
		os.Unsetenv("BOOK_BACKEND")
	})
	t.Setenv("BOOK_BACKEND", "memory")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)

	// yaml over defaults
	assert.Equal(t, 20*time.Second, cfg.Engine.SweepTimeout)
	assert.Equal(t, 7, cfg.Engine.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Engine.Breaker.ResetTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.Timers.PreOpen)
	assert.Equal(t, "/var/lib/book", cfg.Storage.PebblePath)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	// .env over yaml
	assert.Equal(t, 7*time.Second, cfg.Session.Timers.Locked)
	// environment over .env
	assert.Equal(t, "memory", cfg.Storage.BookBackend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadFromEnv_IgnoresBadNumbers(t *testing.T) {
	t.Setenv("MATCH_DEPTH", "lots")
	t.Setenv("SWEEP_TIMEOUT_MS", "1500")
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, 20, cfg.Engine.MatchDepth)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.SweepTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown book", func(c *Config) { c.Storage.BookBackend = "etcd" }, false},
		{"unknown ledger", func(c *Config) { c.Storage.LedgerBackend = "mysql" }, false},
		{"statement timeout too long", func(c *Config) {
			c.Storage.LedgerBackend = "postgres"
			c.Storage.DBStatementTimeout = c.Engine.SweepTimeout
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
