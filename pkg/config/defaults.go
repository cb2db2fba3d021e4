package config

import (
	"strings"

	"github.com/marmos91/dittovfs/pkg/fileservice"
)

// Default values applied by ApplyDefaults.
const (
	DefaultMetricsPort     = 9090
	DefaultEventBufferSize = 128
	DefaultMemoryMaxSize   = 1 << 30 // 1GB
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Provider-specific defaults are handled by the providers
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyServiceDefaults(&cfg.Service)

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{Scheme: "mem", Type: "memory"}}
	}
	for i := range cfg.Providers {
		applyProviderDefaults(&cfg.Providers[i])
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyServiceDefaults(cfg *ServiceConfig) {
	if cfg.ResolveConcurrency == 0 {
		cfg.ResolveConcurrency = fileservice.DefaultResolveConcurrency
	}
	if cfg.StreamChunkSize == 0 {
		cfg.StreamChunkSize = fileservice.DefaultStreamChunkSize
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}
}

// applyProviderDefaults fills the section of the selected type.
func applyProviderDefaults(cfg *ProviderConfig) {
	cfg.Type = strings.ToLower(cfg.Type)
	cfg.Scheme = strings.ToLower(cfg.Scheme)

	switch cfg.Type {
	case "memory":
		if cfg.Memory == nil {
			cfg.Memory = make(map[string]any)
		}
		if _, ok := cfg.Memory["max_size_bytes"]; !ok {
			cfg.Memory["max_size_bytes"] = int64(DefaultMemoryMaxSize)
		}
	case "disk":
		if cfg.Disk == nil {
			cfg.Disk = make(map[string]any)
		}
	case "s3":
		if cfg.S3 == nil {
			cfg.S3 = make(map[string]any)
		}
		if _, ok := cfg.S3["max_retries"]; !ok {
			cfg.S3["max_retries"] = 10
		}
	case "badger":
		if cfg.Badger == nil {
			cfg.Badger = make(map[string]any)
		}
	case "billy":
		if cfg.Billy == nil {
			cfg.Billy = make(map[string]any)
		}
		if _, ok := cfg.Billy["backend"]; !ok {
			cfg.Billy["backend"] = "memory"
		}
	}
}

// GetDefaultConfig returns the configuration written by `config init`: one
// in-memory provider on "mem" and one disk provider on "file".
func GetDefaultConfig() *Config {
	cfg := &Config{
		Providers: []ProviderConfig{
			{Scheme: "mem", Type: "memory"},
			{
				Scheme: "file",
				Type:   "disk",
				Disk: map[string]any{
					"root":        "/tmp/dittovfs",
					"create_root": true,
				},
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
