package adproxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// ListenPort is the TCP port the proxy listens on.
	ListenPort int `mapstructure:"listen_port"`

	// ListenAddr is the interface to bind. Empty means all interfaces.
	ListenAddr string `mapstructure:"listen_addr"`

	// FilterLists are the filter list files or http(s) URLs to load, in
	// order.
	FilterLists []string `mapstructure:"filter_lists"`

	// Quiet suppresses the access log and source load notices.
	Quiet bool `mapstructure:"quiet"`

	// ReloadInterval reloads the filter lists periodically (0 = off).
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// MaxConns bounds simultaneous client connections (0 = unlimited).
	MaxConns int `mapstructure:"max_conns"`

	// Upstream configuration
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`
}

// UpstreamConfig contains settings for connections to origin servers.
type UpstreamConfig struct {
	// DialTimeout for outbound TCP connections
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// ResponseHeaderTimeout bounds the wait for the origin's headers
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the access log format: line, color, json
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics on the proxy port
	Enabled bool `mapstructure:"enabled"`
}

// AdminConfig controls the admin REST API.
type AdminConfig struct {
	// Enabled serves the admin API on the proxy port
	Enabled bool `mapstructure:"enabled"`

	// PathPrefix for admin routes
	PathPrefix string `mapstructure:"path_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenPort: 8989,
		Upstream: UpstreamConfig{
			DialTimeout:           30 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "line",
		},
		Admin: AdminConfig{
			PathPrefix: "/api",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./config.json (or .yaml/.toml)
// 3. $HOME/.adproxy/config.json
// 4. /etc/adproxy/config.json
//
// Environment variables use the ADPROXY_ prefix, with dots replaced by
// underscores (ADPROXY_UPSTREAM_DIAL_TIMEOUT).
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("json")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.adproxy")
	v.AddConfigPath("/etc/adproxy")

	v.SetEnvPrefix("ADPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - use defaults
	}

	return unmarshalConfig(v)
}

// LoadConfigFromReader loads configuration from a byte slice.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v)
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("listen_port", defaults.ListenPort)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("filter_lists", []string{})
	v.SetDefault("quiet", defaults.Quiet)
	v.SetDefault("reload_interval", defaults.ReloadInterval)
	v.SetDefault("max_conns", defaults.MaxConns)

	v.SetDefault("upstream.dial_timeout", defaults.Upstream.DialTimeout)
	v.SetDefault("upstream.response_header_timeout", defaults.Upstream.ResponseHeaderTimeout)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)

	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)
}

// Validate checks values that viper cannot type-check on its own.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	switch c.Logging.Format {
	case "line", "color", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	if c.ReloadInterval < 0 {
		return fmt.Errorf("reload_interval must not be negative")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must not be negative")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

// BuildLoader creates a SourceLoader for the configured filter lists.
// With no lists configured it loads nothing, which yields the empty
// RuleSet.
func (c *Config) BuildLoader() SourceLoader {
	return NewListLoader(c.FilterLists)
}

// BuildUpstream creates an Upstream from the upstream settings.
func (c *Config) BuildUpstream() *Upstream {
	u := NewUpstream()
	u.DialTimeout = c.Upstream.DialTimeout
	u.ResponseHeaderTimeout = c.Upstream.ResponseHeaderTimeout
	return u
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `{
  "listen_port": 8989,
  "listen_addr": "",
  "filter_lists": [
    "/etc/adproxy/easylist.txt",
    "https://easylist.to/easylist/easyprivacy.txt"
  ],
  "quiet": false,
  "reload_interval": "0s",
  "max_conns": 0,
  "upstream": {
    "dial_timeout": "30s",
    "response_header_timeout": "60s"
  },
  "logging": {
    "level": "info",
    "format": "line"
  },
  "metrics": {
    "enabled": false
  },
  "admin": {
    "enabled": false,
    "path_prefix": "/api"
  }
}
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
