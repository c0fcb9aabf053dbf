// Package config loads node configuration from a YAML or TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/trustgraph/trustops/internal/engine"
	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/ratelimit"
)

// Config is the complete node configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Protocol  ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Graph     GraphConfig     `yaml:"graph" toml:"graph"`
	Contexts  []ContextConfig `yaml:"contexts" toml:"contexts"`
}

// DatabaseConfig locates the operation store.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ProtocolConfig holds the validation parameters.
type ProtocolConfig struct {
	Version          int           `yaml:"version" toml:"version"`
	MaxOperationSize int           `yaml:"max_operation_size" toml:"max_operation_size"`
	TimestampFudge   time.Duration `yaml:"-" toml:"-"`
	StoreTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimestampFudgeRaw string `yaml:"timestamp_fudge" toml:"timestamp_fudge"`
	StoreTimeoutRaw   string `yaml:"store_timeout" toml:"store_timeout"`
}

// RateLimitConfig bounds admission.
type RateLimitConfig struct {
	Window         time.Duration `yaml:"-" toml:"-"`
	WindowRaw      string        `yaml:"window" toml:"window"`
	Limit          int           `yaml:"limit" toml:"limit"`
	VerifiedLabels []string      `yaml:"verified_labels" toml:"verified_labels"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// GraphConfig locates the graph snapshot used by the CLI.
type GraphConfig struct {
	Snapshot string `yaml:"snapshot" toml:"snapshot"`
}

// ContextConfig seeds one context, including its key material.
type ContextConfig struct {
	Name               string `yaml:"name" toml:"name"`
	Verification       string `yaml:"verification" toml:"verification"`
	SponsorPublicKey   string `yaml:"sponsor_public_key" toml:"sponsor_public_key"`
	SponsorPrivateKey  string `yaml:"sponsor_private_key" toml:"sponsor_private_key"`
	SecretKey          string `yaml:"secret_key" toml:"secret_key"`
	IDsAsHex           bool   `yaml:"ids_as_hex" toml:"ids_as_hex"`
	EthName            string `yaml:"eth_name" toml:"eth_name"`
	UnusedSponsorships int    `yaml:"unused_sponsorships" toml:"unused_sponsorships"`
}

// Default returns the configuration a node runs with when a file sets
// nothing, backed by trustops.db in the working directory.
func Default() *Config {
	s := engine.DefaultSettings()
	return &Config{
		Database: DatabaseConfig{Path: "trustops.db"},
		Protocol: ProtocolConfig{
			Version:           s.Version,
			MaxOperationSize:  s.MaxOperationSize,
			TimestampFudge:    s.TimestampFudge,
			StoreTimeout:      s.StoreTimeout,
			TimestampFudgeRaw: s.TimestampFudge.String(),
			StoreTimeoutRaw:   s.StoreTimeout.String(),
		},
		RateLimit: RateLimitConfig{
			Window:         s.RateLimit.Window,
			WindowRaw:      s.RateLimit.Window.String(),
			Limit:          s.RateLimit.Limit,
			VerifiedLabels: s.RateLimit.VerifiedLabels,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first, and
// settings the file leaves out keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	// Raw durations are re-read from the file; a zero value means unset.
	cfg.Protocol.TimestampFudgeRaw = ""
	cfg.Protocol.StoreTimeoutRaw = ""
	cfg.RateLimit.WindowRaw = ""

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with
// the empty string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error

	if cfg.Protocol.TimestampFudgeRaw != "" {
		cfg.Protocol.TimestampFudge, err = time.ParseDuration(cfg.Protocol.TimestampFudgeRaw)
		if err != nil {
			return fmt.Errorf("parsing timestamp_fudge %q: %w", cfg.Protocol.TimestampFudgeRaw, err)
		}
	}

	if cfg.Protocol.StoreTimeoutRaw != "" {
		cfg.Protocol.StoreTimeout, err = time.ParseDuration(cfg.Protocol.StoreTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing store_timeout %q: %w", cfg.Protocol.StoreTimeoutRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit.window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Protocol.Version <= 0 {
		return fmt.Errorf("protocol.version must be positive")
	}
	if c.Protocol.MaxOperationSize < 0 {
		return fmt.Errorf("protocol.max_operation_size must not be negative")
	}
	if c.Protocol.TimestampFudge < 0 {
		return fmt.Errorf("protocol.timestamp_fudge must not be negative")
	}
	if c.Protocol.StoreTimeout < 0 {
		return fmt.Errorf("protocol.store_timeout must not be negative")
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive when rate_limit.limit is set")
	}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("logging.format %q must be text or json", f)
	}

	seen := map[string]bool{}
	for i, ctx := range c.Contexts {
		if ctx.Name == "" {
			return fmt.Errorf("contexts[%d].name is required", i)
		}
		if seen[ctx.Name] {
			return fmt.Errorf("contexts[%d]: duplicate context %q", i, ctx.Name)
		}
		seen[ctx.Name] = true
		if ctx.IDsAsHex && ctx.EthName != "" {
			return fmt.Errorf("contexts[%d]: ids_as_hex and eth_name are exclusive", i)
		}
		if ctx.UnusedSponsorships < 0 {
			return fmt.Errorf("contexts[%d].unused_sponsorships must not be negative", i)
		}
	}

	return nil
}

// EngineSettings maps the protocol and rate limit sections onto the
// engine's settings.
func (c *Config) EngineSettings() engine.Settings {
	return engine.Settings{
		Version:          c.Protocol.Version,
		TimestampFudge:   c.Protocol.TimestampFudge,
		MaxOperationSize: c.Protocol.MaxOperationSize,
		StoreTimeout:     c.Protocol.StoreTimeout,
		RateLimit: ratelimit.Config{
			Window:         c.RateLimit.Window,
			Limit:          c.RateLimit.Limit,
			VerifiedLabels: c.RateLimit.VerifiedLabels,
		},
	}
}

// GraphContexts returns the configured contexts as graph entities.
func (c *Config) GraphContexts() []graph.Context {
	out := make([]graph.Context, 0, len(c.Contexts))
	for _, ctx := range c.Contexts {
		out = append(out, graph.Context{
			Name:               ctx.Name,
			Verification:       ctx.Verification,
			SponsorPublicKey:   ctx.SponsorPublicKey,
			SponsorPrivateKey:  ctx.SponsorPrivateKey,
			SecretKey:          ctx.SecretKey,
			IDsAsHex:           ctx.IDsAsHex,
			EthName:            ctx.EthName,
			UnusedSponsorships: ctx.UnusedSponsorships,
		})
	}
	return out
}
