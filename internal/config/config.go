// Package config loads and validates the agent configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowtail/agent/internal/remotesync"
	"github.com/flowtail/agent/internal/tags"
	"github.com/flowtail/agent/internal/telemetry"
	"github.com/flowtail/agent/internal/transport"
)

// Config is the root agent configuration.
type Config struct {
	// ConfigDir is where remote collection configs are persisted.
	ConfigDir string `yaml:"configDir"`

	// AgentID overrides the persisted agent identity. Usually unset.
	AgentID string `yaml:"agentId,omitempty"`

	Server      *ServerConfig      `yaml:"server,omitempty"`
	Credentials *CredentialsConfig `yaml:"credentials,omitempty"`
	Tags        *TagsConfig        `yaml:"tags,omitempty"`
	Telemetry   *telemetry.Config  `yaml:"telemetry,omitempty"`
	Watch       *WatchConfig       `yaml:"watch,omitempty"`
}

// ServerConfig describes the config distribution endpoint.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls,omitempty"`

	// Provider selects request auth: "static" or "aksk".
	Provider  string `yaml:"provider,omitempty"`
	AccountID string `yaml:"accountId,omitempty"`

	HeartbeatInterval string `yaml:"heartbeatInterval,omitempty"`
	RequestTimeout    string `yaml:"requestTimeout,omitempty"`
}

// CredentialsConfig points at the access key file.
type CredentialsConfig struct {
	File               string `yaml:"file"`
	MinRefreshInterval string `yaml:"minRefreshInterval,omitempty"`
}

// TagsConfig points at the host tag file.
type TagsConfig struct {
	Path     string `yaml:"path"`
	Interval string `yaml:"interval,omitempty"`
}

// WatchConfig controls filesystem watching of matched directories.
type WatchConfig struct {
	Enabled bool `yaml:"enabled"`
}

func (c *Config) validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("configDir is required")
	}
	if !filepath.IsAbs(c.ConfigDir) {
		return fmt.Errorf("configDir must be an absolute path, got %s", c.ConfigDir)
	}
	if c.Server != nil {
		if err := c.Server.validate(); err != nil {
			return err
		}
		if c.Server.Provider == remotesync.ProviderAKSK {
			if c.Server.AccountID == "" {
				return fmt.Errorf("server.accountId is required for the aksk provider")
			}
			if c.Credentials == nil || c.Credentials.File == "" {
				return fmt.Errorf("credentials.file is required for the aksk provider")
			}
		}
	}
	if c.Credentials != nil {
		if err := c.Credentials.validate(); err != nil {
			return err
		}
	}
	if c.Tags != nil {
		if err := c.Tags.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServerConfig) validate() error {
	if s.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Port)
	}
	switch s.Provider {
	case "", remotesync.ProviderStatic, remotesync.ProviderAKSK:
	default:
		return fmt.Errorf("server.provider must be %q or %q, got %q",
			remotesync.ProviderStatic, remotesync.ProviderAKSK, s.Provider)
	}
	if _, err := parseOptionalDuration(s.HeartbeatInterval); err != nil {
		return fmt.Errorf("server.heartbeatInterval: %w", err)
	}
	if _, err := parseOptionalDuration(s.RequestTimeout); err != nil {
		return fmt.Errorf("server.requestTimeout: %w", err)
	}
	return nil
}

func (c *CredentialsConfig) validate() error {
	if c.File == "" {
		return fmt.Errorf("credentials.file is required")
	}
	if _, err := parseOptionalDuration(c.MinRefreshInterval); err != nil {
		return fmt.Errorf("credentials.minRefreshInterval: %w", err)
	}
	return nil
}

func (t *TagsConfig) validate() error {
	if t.Path == "" {
		return fmt.Errorf("tags.path is required")
	}
	if _, err := parseOptionalDuration(t.Interval); err != nil {
		return fmt.Errorf("tags.interval: %w", err)
	}
	return nil
}

// GetHeartbeatInterval returns the configured heartbeat interval or
// the default.
func (s *ServerConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(s.HeartbeatInterval, remotesync.DefaultHeartbeatInterval)
}

// GetRequestTimeout returns the configured request timeout or the
// default.
func (s *ServerConfig) GetRequestTimeout() time.Duration {
	return durationOr(s.RequestTimeout, transport.DefaultTimeout)
}

// GetMinRefreshInterval returns the configured credential refresh
// floor or zero when credentials are not configured.
func (c *CredentialsConfig) GetMinRefreshInterval() time.Duration {
	if c == nil {
		return 0
	}
	return durationOr(c.MinRefreshInterval, 0)
}

// GetInterval returns the tag refresh cadence or the default.
func (t *TagsConfig) GetInterval() time.Duration {
	return durationOr(t.Interval, tags.DefaultInterval)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

type loadOptions struct {
	path string
}

// Option configures LoadConfig.
type Option func(*loadOptions)

// WithConfigPath sets the config file location.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.path = path
	}
}

// LoadConfig reads, parses and validates the agent configuration.
func LoadConfig(opts ...Option) (*Config, error) {
	options := &loadOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.path == "" {
		return nil, fmt.Errorf("no config file path provided")
	}

	// Resolve symlinks so error messages point at the real file.
	path, err := filepath.EvalSymlinks(options.path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", options.path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
