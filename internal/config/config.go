// Package config provides configuration management for stitch using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort              = 8080
	defaultReadHeaderTimeout       = 10 * time.Second
	defaultIdleTimeout             = 120 * time.Second
	defaultShutdownTimeout         = 10 * time.Second
	defaultFragmentTimeout         = 1 * time.Second
	defaultAsyncFragmentTimeout    = 10 * time.Second
	defaultTemplateTimeout         = 5 * time.Second
	defaultContextTimeout          = 2 * time.Second
	defaultUpstreamDialTimeout     = 10 * time.Second
	defaultUpstreamTLSTimeout      = 10 * time.Second
	defaultUpstreamIdleConnTimeout = 90 * time.Second
	defaultUpstreamMaxIdleConns    = 100
	defaultUpstreamMaxIdlePerHost  = 10
	defaultPipeName                = "p"
	defaultForwardPrefix           = "X-Stitch-"
	defaultTemplateIndex           = "index.html"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Compose   ComposeConfig   `mapstructure:"compose"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Context   ContextConfig   `mapstructure:"context"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// ReadHeaderTimeout bounds reading the downstream request head.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// WriteTimeout must stay 0 for composition responses: a slow client reading
	// a long streamed page would otherwise be cut off mid-body.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ComposeConfig holds composition engine configuration.
type ComposeConfig struct {
	// PipeName is the global name of the browser-side runtime object.
	PipeName string `mapstructure:"pipe_name"`
	// PipeDefinitionPath points to an optional JS payload emitted near the
	// top of every composed page. Empty disables the inline definition.
	PipeDefinitionPath string `mapstructure:"pipe_definition_path"`
	// FragmentTimeout is the default upstream head deadline for inline fragments.
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout"`
	// AsyncFragmentTimeout is the default upstream head deadline for async fragments.
	AsyncFragmentTimeout time.Duration `mapstructure:"async_fragment_timeout"`
	// ForwardPrefix is the vendor header prefix forwarded to fragment upstreams
	// in addition to the fixed whitelist.
	ForwardPrefix string `mapstructure:"forward_prefix"`
}

// TemplatesConfig holds template acquisition configuration.
type TemplatesConfig struct {
	Source string `mapstructure:"source"` // fs, http
	// Dir is the template root for the fs source.
	Dir string `mapstructure:"dir"`
	// Index is the template served for directory paths by the fs source.
	Index string `mapstructure:"index"`
	// BaseURL is the upstream base for the http source.
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ContextConfig holds request-context service configuration.
type ContextConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// UpstreamConfig holds the fragment upstream HTTP transport configuration.
type UpstreamConfig struct {
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STITCH_ and use underscores for nesting.
// Example: STITCH_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/stitch")
		v.AddConfigPath("$HOME/.stitch")
	}

	v.SetEnvPrefix("STITCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_header_timeout", defaultReadHeaderTimeout)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Compose defaults
	v.SetDefault("compose.pipe_name", defaultPipeName)
	v.SetDefault("compose.pipe_definition_path", "")
	v.SetDefault("compose.fragment_timeout", defaultFragmentTimeout)
	v.SetDefault("compose.async_fragment_timeout", defaultAsyncFragmentTimeout)
	v.SetDefault("compose.forward_prefix", defaultForwardPrefix)

	// Template defaults
	v.SetDefault("templates.source", "fs")
	v.SetDefault("templates.dir", "./templates")
	v.SetDefault("templates.index", defaultTemplateIndex)
	v.SetDefault("templates.base_url", "")
	v.SetDefault("templates.timeout", defaultTemplateTimeout)

	// Context defaults
	v.SetDefault("context.enabled", false)
	v.SetDefault("context.url", "")
	v.SetDefault("context.timeout", defaultContextTimeout)

	// Upstream transport defaults
	v.SetDefault("upstream.dial_timeout", defaultUpstreamDialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", defaultUpstreamTLSTimeout)
	v.SetDefault("upstream.idle_conn_timeout", defaultUpstreamIdleConnTimeout)
	v.SetDefault("upstream.max_idle_conns", defaultUpstreamMaxIdleConns)
	v.SetDefault("upstream.max_idle_conns_per_host", defaultUpstreamMaxIdlePerHost)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Compose.PipeName == "" {
		return fmt.Errorf("compose.pipe_name is required")
	}
	if c.Compose.FragmentTimeout <= 0 {
		return fmt.Errorf("compose.fragment_timeout must be positive")
	}
	if c.Compose.AsyncFragmentTimeout <= 0 {
		return fmt.Errorf("compose.async_fragment_timeout must be positive")
	}

	switch c.Templates.Source {
	case "fs":
		if c.Templates.Dir == "" {
			return fmt.Errorf("templates.dir is required for the fs source")
		}
	case "http":
		if c.Templates.BaseURL == "" {
			return fmt.Errorf("templates.base_url is required for the http source")
		}
	default:
		return fmt.Errorf("templates.source must be one of: fs, http")
	}

	if c.Context.Enabled && c.Context.URL == "" {
		return fmt.Errorf("context.url is required when context.enabled is true")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
