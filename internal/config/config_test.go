package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Bus.Backend)
	assert.Equal(t, "crawlfleet", cfg.Bus.Exchange)
	assert.Equal(t, "json", cfg.Bus.Codec)
	assert.Equal(t, 5, cfg.Bus.Publish.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.LivenessWindow)
	assert.Equal(t, 5*time.Second, cfg.Scraper.AvailabilityInterval)
	assert.Equal(t, StorageNone, cfg.Storage.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Server.APIKey)
	assert.Empty(t, cfg.Participant.ID)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
logging:
  development: true
  level: debug
bus:
  backend: zeromq
  exchange: prices
  codec: msgpack
  zeromq:
    pub_addr: tcp://proxy:6000
    sub_addr: tcp://proxy:6001
  publish:
    max_attempts: 3
    backoff_initial: 50ms
participant:
  id: scraper-7
dispatcher:
  liveness_window: 1m
  sweep_interval: 2s
  targets_file: targets.yaml
scraper:
  availability_interval: 10s
  max_pages: 5
  rate_limit_per_domain: 0.5
  respect_robots: false
storage:
  backend: local
  local_dir: /tmp/pages
db:
  dsn: postgres://localhost/fleet
server:
  port: 0
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, BackendZeroMQ, cfg.Bus.Backend)
	assert.Equal(t, "prices", cfg.Bus.Exchange)
	assert.Equal(t, "msgpack", cfg.Bus.Codec)
	assert.Equal(t, "tcp://proxy:6000", cfg.Bus.ZeroMQ.PubAddr)
	assert.Equal(t, 3, cfg.Bus.Publish.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Bus.Publish.BackoffInitial)
	assert.Equal(t, 2*time.Second, cfg.Bus.Publish.BackoffMax)
	assert.Equal(t, "scraper-7", cfg.Participant.ID)
	assert.Equal(t, time.Minute, cfg.Dispatcher.LivenessWindow)
	assert.Equal(t, "targets.yaml", cfg.Dispatcher.TargetsFile)
	assert.Equal(t, 10*time.Second, cfg.Scraper.AvailabilityInterval)
	assert.Equal(t, 5, cfg.Scraper.MaxPages)
	assert.InDelta(t, 0.5, cfg.Scraper.RateLimitPerDomain, 1e-9)
	assert.False(t, cfg.Scraper.RespectRobots)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/fleet", cfg.DB.DSN)
	assert.Equal(t, 0, cfg.Server.Port)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CRAWLFLEET_BUS_EXCHANGE", "from-env")
	t.Setenv("CRAWLFLEET_DISPATCHER_LIVENESS_WINDOW", "45s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Bus.Exchange)
	assert.Equal(t, 45*time.Second, cfg.Dispatcher.LivenessWindow)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"pubsub without project", func(c *Config) { c.Bus.Backend = BackendPubSub }, "bus.pubsub.project_id"},
		{"zeromq without addr", func(c *Config) {
			c.Bus.Backend = BackendZeroMQ
			c.Bus.ZeroMQ.SubAddr = ""
		}, "bus.zeromq"},
		{"empty exchange", func(c *Config) { c.Bus.Exchange = " " }, "bus.exchange"},
		{"unknown codec", func(c *Config) { c.Bus.Codec = "xml" }, "bus.codec"},
		{"no attempts", func(c *Config) { c.Bus.Publish.MaxAttempts = 0 }, "bus.publish.max_attempts"},
		{"no liveness", func(c *Config) { c.Dispatcher.LivenessWindow = 0 }, "dispatcher.liveness_window"},
		{"no sweep", func(c *Config) { c.Dispatcher.SweepInterval = 0 }, "dispatcher.sweep_interval"},
		{"announce too slow", func(c *Config) { c.Scraper.AvailabilityInterval = time.Minute }, "shorter than"},
		{"negative rate", func(c *Config) { c.Scraper.RateLimitPerDomain = -1 }, "rate_limit_per_domain"},
		{"local without dir", func(c *Config) { c.Storage.Backend = StorageLocal }, "storage.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"negative port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"no scrapers", func(c *Config) { c.Local.Scrapers = 0 }, "local.scrapers"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
