// Package config loads the DittoVFS configuration and builds a file service
// from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoVFS configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOVFS_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Provider Configuration Pattern:
// Each provider type defines its own configuration struct. A provider entry
// carries one type-specific section per type (memory, disk, s3, ...) and
// only the section matching Type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus exporter
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Service tunes the file service
	Service ServiceConfig `mapstructure:"service" yaml:"service"`

	// Providers binds URI schemes to provider instances
	Providers []ProviderConfig `mapstructure:"providers" yaml:"providers" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// MetricsConfig controls the metrics exporter.
type MetricsConfig struct {
	// Enabled turns on Prometheus metrics collection
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// ServiceConfig tunes the file service.
type ServiceConfig struct {
	// ResolveConcurrency bounds parallel resolutions in resolveFiles
	ResolveConcurrency int `mapstructure:"resolve_concurrency" yaml:"resolve_concurrency" validate:"gte=0"`

	// StreamChunkSize is the read size used when copying between providers
	StreamChunkSize int `mapstructure:"stream_chunk_size" yaml:"stream_chunk_size" validate:"gte=0"`

	// EventBufferSize is the channel capacity of every event subscriber
	EventBufferSize int `mapstructure:"event_buffer_size" yaml:"event_buffer_size" validate:"gte=0"`

	// EventWriteTimeout drops subscribers that stay full this long
	// 0 blocks publishers until the subscriber catches up
	EventWriteTimeout time.Duration `mapstructure:"event_write_timeout" yaml:"event_write_timeout" validate:"gte=0"`
}

// ProviderConfig binds one scheme to a provider.
type ProviderConfig struct {
	// Scheme is the URI scheme served by this provider (e.g., "mem", "file")
	Scheme string `mapstructure:"scheme" yaml:"scheme" validate:"required"`

	// Type selects the provider implementation
	// Valid values: memory, disk, s3, badger, billy
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory disk s3 badger billy"`

	// ReadOnly hides every mutating capability of the provider
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// RateLimit throttles requests sent to the provider
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory,omitempty"`

	// Disk contains disk-specific configuration
	// Only used when Type = "disk"
	Disk map[string]any `mapstructure:"disk" yaml:"disk,omitempty"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`

	// Billy contains go-billy-specific configuration
	// Only used when Type = "billy"
	Billy map[string]any `mapstructure:"billy" yaml:"billy,omitempty"`
}

// RateLimitConfig throttles a provider. Zero disables limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the bucket capacity; 0 uses RequestsPerSecond
	Burst int `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// Enabled reports whether the limit throttles anything.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond > 0
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTOVFS_ prefix and underscores
	// Example: DITTOVFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOVFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittovfs/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings that can be set from the environment
// without a config file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"metrics.enabled",
	"metrics.port",
	"service.resolve_concurrency",
	"service.stream_chunk_size",
	"service.event_buffer_size",
	"service.event_write_timeout",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittovfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittovfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
