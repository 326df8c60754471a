// Package config loads conductor's layered configuration: bus connection
// settings, resilience presets, quality-gate policy defaults, and
// workflow-loader limits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipeforge/conductor/breaker"
	"github.com/pipeforge/conductor/qualitygate"
	"github.com/pipeforge/conductor/retry"
)

// Config is the complete conductor configuration.
type Config struct {
	Bus            BusConfig            `yaml:"bus"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	QualityGates   QualityGateConfig    `yaml:"quality_gates"`
	Repo           RepoConfig           `yaml:"repo"`
}

// BusConfig configures the message bus connection.
type BusConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server instead
	// of dialing URL.
	Embedded bool `yaml:"embedded"`
	// ConnectTimeout bounds how long to wait for the initial connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RetryConfig names which preset (§6) the agent runtime base applies
// around user execute calls, with optional overrides.
type RetryConfig struct {
	Preset            string        `yaml:"preset"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor"`
	DisableJitter     bool          `yaml:"disable_jitter"`
}

// Resolve returns the retry.Options this config describes: the named
// preset with any non-zero field overrides applied on top.
func (c RetryConfig) Resolve() (retry.Options, error) {
	opts, err := retryPreset(c.Preset)
	if err != nil {
		return retry.Options{}, err
	}
	if c.MaxAttempts != 0 {
		opts.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay != 0 {
		opts.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay != 0 {
		opts.MaxDelay = c.MaxDelay
	}
	if c.BackoffMultiplier != 0 {
		opts.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.JitterFactor != 0 {
		opts.JitterFactor = c.JitterFactor
	}
	if c.DisableJitter {
		opts.DisableJitter = true
	}
	return opts, nil
}

func retryPreset(name string) (retry.Options, error) {
	switch name {
	case "", "standard":
		return retry.Standard(), nil
	case "quick":
		return retry.Quick(), nil
	case "aggressive":
		return retry.Aggressive(), nil
	case "patient":
		return retry.Patient(), nil
	case "network":
		return retry.Network(), nil
	default:
		return retry.Options{}, fmt.Errorf("unknown retry preset %q", name)
	}
}

// CircuitBreakerConfig configures the default breaker every agent runtime
// instantiates to protect its execute call.
type CircuitBreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	MinimumRequests      int           `yaml:"minimum_requests"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	Window               time.Duration `yaml:"window"`
	OpenDuration         time.Duration `yaml:"open_duration"`
	HalfOpenSuccessThreshold int       `yaml:"half_open_success_threshold"`
}

// Resolve returns the breaker.Options this config describes, falling
// back to library defaults for any zero field.
func (c CircuitBreakerConfig) Resolve() breaker.Options {
	return breaker.Options{
		FailureThreshold:         c.FailureThreshold,
		MinimumRequests:          c.MinimumRequests,
		FailureRateThreshold:     c.FailureRateThreshold,
		Window:                   c.Window,
		OpenDuration:             c.OpenDuration,
		HalfOpenSuccessThreshold: c.HalfOpenSuccessThreshold,
	}
}

// QualityGateConfig points at an optional policy file; qualitygate.LoadPolicy
// carries the fixed default table used when PolicyFile is empty.
type QualityGateConfig struct {
	// PolicyFile is a path to a YAML/JSON list of gate objects. Empty
	// means use the built-in defaults.
	PolicyFile string `yaml:"policy_file"`
}

// DefaultGates are the fixed policy applied when no policy file is
// configured: coverage and security and contracts block progression,
// performance does not.
func DefaultGates() []qualitygate.Gate {
	return qualitygate.DefaultPolicy()
}

// RepoConfig configures the repository root used by CLI workflow lookups.
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty).
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:            "",
			Embedded:       true,
			ConnectTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			Preset: "standard",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:         5,
			MinimumRequests:          10,
			FailureRateThreshold:     50,
			Window:                   60 * time.Second,
			OpenDuration:             60 * time.Second,
			HalfOpenSuccessThreshold: 2,
		},
		QualityGates: QualityGateConfig{},
		Repo:         RepoConfig{Path: ""},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if !c.Bus.Embedded && c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when bus.embedded is false")
	}
	if _, err := retryPreset(c.Retry.Preset); err != nil {
		return fmt.Errorf("retry.preset: %w", err)
	}
	if c.CircuitBreaker.FailureRateThreshold < 0 || c.CircuitBreaker.FailureRateThreshold > 100 {
		return fmt.Errorf("circuit_breaker.failure_rate_threshold must be between 0 and 100")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file, starting
// from defaults and overlaying whatever fields the file sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; other takes precedence for
// every non-zero field it sets (DisableJitter only when true). Bus.Embedded
// is not copied from other; it is cleared when other sets Bus.URL.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
		c.Bus.Embedded = false
	}
	if other.Bus.ConnectTimeout != 0 {
		c.Bus.ConnectTimeout = other.Bus.ConnectTimeout
	}

	if other.Retry.Preset != "" {
		c.Retry.Preset = other.Retry.Preset
	}
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = other.Retry.InitialDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.JitterFactor != 0 {
		c.Retry.JitterFactor = other.Retry.JitterFactor
	}
	if other.Retry.DisableJitter {
		c.Retry.DisableJitter = true
	}

	if other.CircuitBreaker.FailureThreshold != 0 {
		c.CircuitBreaker.FailureThreshold = other.CircuitBreaker.FailureThreshold
	}
	if other.CircuitBreaker.MinimumRequests != 0 {
		c.CircuitBreaker.MinimumRequests = other.CircuitBreaker.MinimumRequests
	}
	if other.CircuitBreaker.FailureRateThreshold != 0 {
		c.CircuitBreaker.FailureRateThreshold = other.CircuitBreaker.FailureRateThreshold
	}
	if other.CircuitBreaker.Window != 0 {
		c.CircuitBreaker.Window = other.CircuitBreaker.Window
	}
	if other.CircuitBreaker.OpenDuration != 0 {
		c.CircuitBreaker.OpenDuration = other.CircuitBreaker.OpenDuration
	}
	if other.CircuitBreaker.HalfOpenSuccessThreshold != 0 {
		c.CircuitBreaker.HalfOpenSuccessThreshold = other.CircuitBreaker.HalfOpenSuccessThreshold
	}

	if other.QualityGates.PolicyFile != "" {
		c.QualityGates.PolicyFile = other.QualityGates.PolicyFile
	}

	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}
}
