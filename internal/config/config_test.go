package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.Retry.BaseDelay)
	require.Equal(t, 2*time.Hour, cfg.Retry.MaxDelay)
	require.Equal(t, 24*time.Hour, cfg.Memory.ShortTermTTL)
	require.Equal(t, 1000, cfg.Memory.LongTermCap)
	require.Equal(t, "memory", cfg.Memory.Backend)
	require.Equal(t, "com", cfg.Scrape.DefaultDomain)
	require.False(t, cfg.Sheets.Enabled())
	require.Equal(t, "Sheet1", cfg.Sheets.Worksheet)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
workers:
  count: 6
  job_timeout: 45s
retry:
  max_attempts: 5
  base_delay: 1m
  max_delay: 30m
  scan_interval: 2s
memory:
  backend: postgres
  short_term_ttl: 1h
db:
  dsn: postgres://localhost/scraper
storage:
  backend: local
  base_path: /tmp/archive
scrape:
  allowed_domains: ["co.uk", "de"]
  headless: true
  headless_max_parallel: 2
logging:
  development: true
sheets:
  spreadsheet_id: sheet-123
  worksheet: Products
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "secret", cfg.Server.APIKey)
	require.Equal(t, 6, cfg.Workers.Count)
	require.Equal(t, 45*time.Second, cfg.Workers.JobTimeout)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, time.Minute, cfg.Retry.BaseDelay)
	require.Equal(t, "postgres", cfg.Memory.Backend)
	require.Equal(t, time.Hour, cfg.Memory.ShortTermTTL)
	require.Equal(t, "local", cfg.Storage.Backend)
	require.True(t, cfg.Scrape.Headless)
	require.True(t, cfg.Logging.Development)
	require.True(t, cfg.Sheets.Enabled())
	require.Equal(t, "Products", cfg.Sheets.Worksheet)
	require.Equal(t, []string{"amazon.com", "amazon.co.uk", "amazon.de"}, cfg.Scrape.AllowedHosts())
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "no workers", mutate: func(c *Config) { c.Workers.Count = 0 }, want: "workers.count"},
		{name: "no attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, want: "retry.max_attempts"},
		{name: "delay above max", mutate: func(c *Config) { c.Retry.BaseDelay = 3 * time.Hour }, want: "retry.base_delay"},
		{name: "jitter range", mutate: func(c *Config) { c.Retry.Jitter = 2 }, want: "retry.jitter"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Memory.Backend = "postgres" }, want: "db.dsn"},
		{name: "unknown backend", mutate: func(c *Config) { c.Memory.Backend = "redis" }, want: "memory.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Publisher.Type = "pubsub" }, want: "publisher.project_id"},
		{name: "sheets credentials without spreadsheet", mutate: func(c *Config) { c.Sheets.CredentialsFile = "key.json" }, want: "sheets.spreadsheet_id"},
		{name: "blank worksheet", mutate: func(c *Config) {
			c.Sheets.SpreadsheetID = "sheet-123"
			c.Sheets.Worksheet = " "
		}, want: "sheets.worksheet"},
		{name: "headless parallel", mutate: func(c *Config) {
			c.Scrape.Headless = true
			c.Scrape.HeadlessParallel = 0
		}, want: "scrape.headless_max_parallel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
