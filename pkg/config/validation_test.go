package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "INVALID" },
			wantErr: "oneof",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "oneof",
		},
		{
			name:    "invalid metrics port",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "max",
		},
		{
			name:    "negative buffer",
			mutate:  func(c *Config) { c.Service.EventBufferSize = -1 },
			wantErr: "gte",
		},
		{
			name:    "unknown provider type",
			mutate:  func(c *Config) { c.Providers[0].Type = "ftp" },
			wantErr: "oneof",
		},
		{
			name:    "missing scheme",
			mutate:  func(c *Config) { c.Providers[0].Scheme = "" },
			wantErr: "required",
		},
		{
			name:    "invalid scheme",
			mutate:  func(c *Config) { c.Providers[0].Scheme = "1bad" },
			wantErr: "invalid scheme",
		},
		{
			name:    "duplicate scheme",
			mutate:  func(c *Config) { c.Providers[1].Scheme = c.Providers[0].Scheme },
			wantErr: "duplicate scheme",
		},
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantErr: "at least one provider",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Providers[0].RateLimit.RequestsPerSecond = -1 },
			wantErr: "gte",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
