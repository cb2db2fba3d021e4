package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

providers:
  - scheme: mem
    type: memory
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Service.ResolveConcurrency != 8 {
		t.Errorf("Expected default resolve_concurrency 8, got %d", cfg.Service.ResolveConcurrency)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// An explicit missing path keeps the user's ~/.config out of the test
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Scheme != "mem" {
		t.Errorf("Expected a default mem provider, got %+v", cfg.Providers)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[[providers]]
scheme = "db"
type = "badger"

[providers.badger]
in_memory = true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Providers[0].Type != "badger" {
		t.Errorf("Expected provider type 'badger', got %q", cfg.Providers[0].Type)
	}
	if cfg.Providers[0].Badger["in_memory"] != true {
		t.Errorf("Expected badger.in_memory true, got %v", cfg.Providers[0].Badger["in_memory"])
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: INFO
service:
  event_write_timeout: 1s
`)
	t.Setenv("DITTOVFS_LOGGING_LEVEL", "debug")
	t.Setenv("DITTOVFS_SERVICE_EVENT_WRITE_TIMEOUT", "250ms")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Service.EventWriteTimeout != 250*time.Millisecond {
		t.Errorf("Expected env write timeout 250ms, got %v", cfg.Service.EventWriteTimeout)
	}
}

func TestLoad_ProviderSections(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
providers:
  - scheme: file
    type: disk
    read_only: true
    rate_limit:
      requests_per_second: 50
      burst: 10
    disk:
      root: /srv/data
  - scheme: s3
    type: s3
    s3:
      region: eu-west-1
      bucket: data
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	disk := cfg.Providers[0]
	if !disk.ReadOnly {
		t.Error("Expected read_only to be true")
	}
	if disk.RateLimit.RequestsPerSecond != 50 || disk.RateLimit.Burst != 10 {
		t.Errorf("Unexpected rate limit %+v", disk.RateLimit)
	}
	if disk.Disk["root"] != "/srv/data" {
		t.Errorf("Expected disk root '/srv/data', got %v", disk.Disk["root"])
	}
	if cfg.Providers[1].S3["max_retries"] != 10 {
		t.Errorf("Expected default s3 max_retries 10, got %v", cfg.Providers[1].S3["max_retries"])
	}
}

func TestLoad_DuplicateSchemeFails(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
providers:
  - scheme: mem
    type: memory
  - scheme: mem
    type: billy
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for duplicate schemes")
	}
}

func TestGetDefaultConfigPath_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "dittovfs", "config.yaml")
	if got := GetDefaultConfigPath(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if ConfigExists() {
		t.Error("Expected no config file in a fresh directory")
	}
}
