package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Bus.Embedded {
		t.Error("expected embedded bus by default")
	}
	if cfg.Retry.Preset != "standard" {
		t.Errorf("expected default retry preset standard, got %s", cfg.Retry.Preset)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("expected failure_threshold 5, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.OpenDuration != 60*time.Second {
		t.Errorf("expected open_duration 60s, got %v", cfg.CircuitBreaker.OpenDuration)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "non-embedded bus without url",
			modify:  func(c *Config) { c.Bus.Embedded = false; c.Bus.URL = "" },
			wantErr: true,
		},
		{
			name:    "unknown retry preset",
			modify:  func(c *Config) { c.Retry.Preset = "bogus" },
			wantErr: true,
		},
		{
			name:    "failure rate threshold too high",
			modify:  func(c *Config) { c.CircuitBreaker.FailureRateThreshold = 150 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryConfigResolve(t *testing.T) {
	rc := RetryConfig{Preset: "quick", MaxAttempts: 7}
	opts, err := rc.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if opts.MaxAttempts != 7 {
		t.Errorf("expected override max_attempts 7, got %d", opts.MaxAttempts)
	}
	if opts.InitialDelay != time.Second {
		t.Errorf("expected quick preset initial_delay 1s, got %v", opts.InitialDelay)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
bus:
  url: "nats://test:4222"
retry:
  preset: "aggressive"
circuit_breaker:
  failure_threshold: 3
repo:
  path: "/test/path"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Bus.URL != "nats://test:4222" {
		t.Errorf("expected bus URL nats://test:4222, got %s", cfg.Bus.URL)
	}
	if cfg.Retry.Preset != "aggressive" {
		t.Errorf("expected retry preset aggressive, got %s", cfg.Retry.Preset)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.Repo.Path != "/test/path" {
		t.Errorf("expected repo path /test/path, got %s", cfg.Repo.Path)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Bus: BusConfig{URL: "nats://override:4222"},
		Repo: RepoConfig{
			Path: "/override/path",
		},
	}

	base.Merge(override)

	if base.Bus.URL != "nats://override:4222" {
		t.Errorf("expected bus URL nats://override:4222, got %s", base.Bus.URL)
	}
	if base.Bus.Embedded {
		t.Error("expected embedded to flip false once a url is set")
	}
	if base.Retry.Preset != "standard" {
		t.Errorf("expected retry preset to remain default, got %s", base.Retry.Preset)
	}
	if base.Repo.Path != "/override/path" {
		t.Errorf("expected repo path /override/path, got %s", base.Repo.Path)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Retry.Preset = "patient"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Retry.Preset != "patient" {
		t.Errorf("expected retry preset patient, got %s", loaded.Retry.Preset)
	}
}

func TestDefaultGates(t *testing.T) {
	gates := DefaultGates()
	if len(gates) != 4 {
		t.Fatalf("expected 4 default gates, got %d", len(gates))
	}
	for _, g := range gates {
		if g.Name == "performance" && g.Blocking {
			t.Error("performance gate should be non-blocking by default")
		}
		if g.Name == "coverage" && !g.Blocking {
			t.Error("coverage gate should be blocking by default")
		}
	}
}
