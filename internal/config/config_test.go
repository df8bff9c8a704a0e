package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Load without config file should use defaults
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Compose defaults
	assert.Equal(t, "p", cfg.Compose.PipeName)
	assert.Equal(t, time.Second, cfg.Compose.FragmentTimeout)
	assert.Equal(t, 10*time.Second, cfg.Compose.AsyncFragmentTimeout)
	assert.Equal(t, "X-Stitch-", cfg.Compose.ForwardPrefix)

	// Template defaults
	assert.Equal(t, "fs", cfg.Templates.Source)
	assert.Equal(t, "./templates", cfg.Templates.Dir)
	assert.Equal(t, "index.html", cfg.Templates.Index)

	// Context defaults
	assert.False(t, cfg.Context.Enabled)

	// Upstream defaults
	assert.Equal(t, 100, cfg.Upstream.MaxIdleConns)
	assert.Equal(t, 10, cfg.Upstream.MaxIdleConnsPerHost)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090

logging:
  level: "debug"
  format: "text"

compose:
  pipe_name: "pipe"
  fragment_timeout: 750ms
  forward_prefix: "X-Acme-"

templates:
  source: "http"
  base_url: "http://templates.internal"

context:
  enabled: true
  url: "http://context.internal/overrides"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "pipe", cfg.Compose.PipeName)
	assert.Equal(t, 750*time.Millisecond, cfg.Compose.FragmentTimeout)
	assert.Equal(t, "X-Acme-", cfg.Compose.ForwardPrefix)
	assert.Equal(t, "http", cfg.Templates.Source)
	assert.Equal(t, "http://templates.internal", cfg.Templates.BaseURL)
	assert.True(t, cfg.Context.Enabled)

	// Unspecified values keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Compose.AsyncFragmentTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STITCH_SERVER_PORT", "9999")
	t.Setenv("STITCH_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"empty pipe name", func(c *Config) { c.Compose.PipeName = "" }, "compose.pipe_name"},
		{"zero fragment timeout", func(c *Config) { c.Compose.FragmentTimeout = 0 }, "compose.fragment_timeout"},
		{"bad template source", func(c *Config) { c.Templates.Source = "ftp" }, "templates.source"},
		{"http source without base url", func(c *Config) { c.Templates.Source = "http"; c.Templates.BaseURL = "" }, "templates.base_url"},
		{"context enabled without url", func(c *Config) { c.Context.Enabled = true; c.Context.URL = "" }, "context.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", cfg.Address())
}
