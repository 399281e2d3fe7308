// Package config defines the runtime configuration structs, parsing
// helpers, and hot-reload wiring for the cache core and cmd/dcached.
// cmd/cacheserver takes its settings from its command line instead.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Arena       ArenaConfig       `yaml:"arena"`
	Distributed DistributedConfig `yaml:"distributed"`
	ACL         ACLConfig         `yaml:"acl"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ArenaConfig controls the single-process arena cache (C1).
type ArenaConfig struct {
	// SizeBytes is the total size of the arena byte buffer. Validate
	// rejects values outside [100, 1_000_000_000].
	SizeBytes int `yaml:"size_bytes"`
}

// DistributedConfig controls the distributed cache (C2-C6).
type DistributedConfig struct {
	// Enabled switches the resolver dispatcher to the distributed backend.
	Enabled bool `yaml:"enabled"`
	// ServerListPath is the ring membership file, hot-reloaded every
	// PollInterval.
	ServerListPath string `yaml:"server_list_path"`
	// ListenAddress is a server listen address ("ip:port"). cmd/cacheserver
	// does not read it; it takes its address from its command line.
	ListenAddress string `yaml:"listen_address"`
	// PollInterval is the watcher poll period for the ring membership file.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DialTimeout bounds the client's non-blocking connect + readiness wait.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ResponseTimeout bounds the client's wait for a GET response.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// ACLConfig controls the IP allowlist watcher.
type ACLConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is the plain-text allowlist file, hot-reloaded every
	// PollInterval.
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry / Prometheus settings.
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
	TracingEndpoint   string `yaml:"tracing_endpoint"`
	// ProcessSampleInterval controls how often the gopsutil-based process
	// sampler refreshes CPU/RSS gauges. Zero is replaced by a 15s default
	// in applyDefaults; a negative value disables the sampler.
	ProcessSampleInterval time.Duration `yaml:"process_sample_interval"`
}

// Load loads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	// #nosec G304 - path is an operator-supplied CLI flag, intentional.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults without
// reading any file.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Clone creates a deep copy of the configuration via a YAML round-trip.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}

	clone.applyDefaults()
	return &clone, nil
}

// Save writes the configuration back to a YAML file, atomically via a
// write-then-rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

const (
	defaultArenaSize        = 64 * 1024 * 1024
	defaultWatchPoll        = 2 * time.Second
	defaultDialTimeout      = 500 * time.Millisecond
	defaultResponseTimeout  = 500 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.Arena.SizeBytes == 0 {
		c.Arena.SizeBytes = defaultArenaSize
	}

	if c.Distributed.ListenAddress == "" {
		c.Distributed.ListenAddress = "0.0.0.0:9999"
	}
	if c.Distributed.PollInterval == 0 {
		c.Distributed.PollInterval = defaultWatchPoll
	}
	if c.Distributed.DialTimeout == 0 {
		c.Distributed.DialTimeout = defaultDialTimeout
	}
	if c.Distributed.ResponseTimeout == 0 {
		c.Distributed.ResponseTimeout = defaultResponseTimeout
	}

	if c.ACL.PollInterval == 0 {
		c.ACL.PollInterval = defaultWatchPoll
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dcache"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
	if c.Telemetry.ProcessSampleInterval == 0 {
		c.Telemetry.ProcessSampleInterval = 15 * time.Second
	}
}

// Validate checks whether the configuration is usable.
func (c *Config) Validate() error {
	if c.Arena.SizeBytes < 100 {
		return fmt.Errorf("arena.size_bytes must be >= 100, got %d", c.Arena.SizeBytes)
	}
	if c.Arena.SizeBytes > 1_000_000_000 {
		return fmt.Errorf("arena.size_bytes must be <= 1_000_000_000, got %d", c.Arena.SizeBytes)
	}

	if c.Distributed.Enabled && strings.TrimSpace(c.Distributed.ServerListPath) == "" {
		return fmt.Errorf("distributed.server_list_path must be set when distributed caching is enabled")
	}

	if c.ACL.Enabled && strings.TrimSpace(c.ACL.Path) == "" {
		return fmt.Errorf("acl.path must be set when the allowlist is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
