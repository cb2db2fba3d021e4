package config

import (
	"testing"
)

func TestApplyDefaults_Empty(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Service.StreamChunkSize != 64*1024 {
		t.Errorf("Expected stream_chunk_size 65536, got %d", cfg.Service.StreamChunkSize)
	}
	if cfg.Service.EventBufferSize != DefaultEventBufferSize {
		t.Errorf("Expected event_buffer_size %d, got %d", DefaultEventBufferSize, cfg.Service.EventBufferSize)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("Expected 1 default provider, got %d", len(cfg.Providers))
	}
	if got := cfg.Providers[0].Memory["max_size_bytes"]; got != int64(DefaultMemoryMaxSize) {
		t.Errorf("Expected memory max_size_bytes default, got %v", got)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn", Format: "json", Output: "stderr"},
		Service: ServiceConfig{ResolveConcurrency: 2},
		Providers: []ProviderConfig{
			{Scheme: "MEM", Type: "Memory", Memory: map[string]any{"max_size_bytes": 10}},
			{Scheme: "b", Type: "billy", Billy: map[string]any{"backend": "os", "root": "/tmp"}},
		},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected normalized level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Explicit logging values were overwritten: %+v", cfg.Logging)
	}
	if cfg.Service.ResolveConcurrency != 2 {
		t.Errorf("Expected resolve_concurrency 2, got %d", cfg.Service.ResolveConcurrency)
	}
	if cfg.Providers[0].Scheme != "mem" || cfg.Providers[0].Type != "memory" {
		t.Errorf("Expected lowercased scheme and type, got %q/%q", cfg.Providers[0].Scheme, cfg.Providers[0].Type)
	}
	if cfg.Providers[0].Memory["max_size_bytes"] != 10 {
		t.Errorf("Explicit max_size_bytes was overwritten: %v", cfg.Providers[0].Memory["max_size_bytes"])
	}
	if cfg.Providers[1].Billy["backend"] != "os" {
		t.Errorf("Explicit billy backend was overwritten: %v", cfg.Providers[1].Billy["backend"])
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("Expected 2 default providers, got %d", len(cfg.Providers))
	}
	if cfg.Providers[1].Type != "disk" || cfg.Providers[1].Disk["root"] != "/tmp/dittovfs" {
		t.Errorf("Unexpected default disk provider: %+v", cfg.Providers[1])
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics should be disabled by default")
	}
}
