package config

import (
	"context"
	"strings"
	"testing"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/badger"
	"github.com/marmos91/dittovfs/pkg/provider/billy"
	"github.com/marmos91/dittovfs/pkg/provider/disk"
	"github.com/marmos91/dittovfs/pkg/provider/memory"
	"github.com/marmos91/dittovfs/pkg/provider/throttle"
	"github.com/marmos91/dittovfs/pkg/uri"
)

func TestCreateProvider_Types(t *testing.T) {
	tests := []struct {
		name  string
		cfg   ProviderConfig
		check func(provider.Provider) bool
	}{
		{
			name:  "memory",
			cfg:   ProviderConfig{Scheme: "mem", Type: "memory", Memory: map[string]any{"max_size_bytes": "1024"}},
			check: func(p provider.Provider) bool { _, ok := p.(*memory.Provider); return ok },
		},
		{
			name:  "disk",
			cfg:   ProviderConfig{Scheme: "file", Type: "disk", Disk: map[string]any{"root": "/tmp"}},
			check: func(p provider.Provider) bool { _, ok := p.(*disk.Provider); return ok },
		},
		{
			name:  "badger",
			cfg:   ProviderConfig{Scheme: "db", Type: "badger", Badger: map[string]any{"in_memory": true}},
			check: func(p provider.Provider) bool { _, ok := p.(*badger.Provider); return ok },
		},
		{
			name:  "billy",
			cfg:   ProviderConfig{Scheme: "b", Type: "billy", Billy: map[string]any{"backend": "memory"}},
			check: func(p provider.Provider) bool { _, ok := p.(*billy.Provider); return ok },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CreateProvider(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("CreateProvider failed: %v", err)
			}
			if !tt.check(p) {
				t.Errorf("Unexpected provider type %T", p)
			}
		})
	}
}

func TestCreateProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr string
	}{
		{
			name:    "unknown type",
			cfg:     ProviderConfig{Scheme: "x", Type: "ftp"},
			wantErr: "unknown provider type",
		},
		{
			name:    "disk without root",
			cfg:     ProviderConfig{Scheme: "file", Type: "disk"},
			wantErr: "disk provider",
		},
		{
			name:    "unknown option",
			cfg:     ProviderConfig{Scheme: "mem", Type: "memory", Memory: map[string]any{"max_files": 3}},
			wantErr: "failed to decode memory provider options",
		},
		{
			name:    "s3 without bucket",
			cfg:     ProviderConfig{Scheme: "s3", Type: "s3", S3: map[string]any{"region": "us-east-1"}},
			wantErr: "s3 provider",
		},
		{
			name:    "billy os without root",
			cfg:     ProviderConfig{Scheme: "b", Type: "billy", Billy: map[string]any{"backend": "os"}},
			wantErr: "billy provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateProvider(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateProvider_Wrappers(t *testing.T) {
	cfg := ProviderConfig{
		Scheme:    "mem",
		Type:      "memory",
		RateLimit: RateLimitConfig{RequestsPerSecond: 1000},
	}

	p, err := CreateProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateProvider failed: %v", err)
	}
	if _, ok := p.(*throttle.Provider); !ok {
		t.Errorf("Expected throttled provider, got %T", p)
	}

	cfg.ReadOnly = true
	p, err = CreateProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateProvider failed: %v", err)
	}
	if !p.Capabilities().ReadOnly() {
		t.Errorf("Expected read-only capabilities, got %v", p.Capabilities())
	}
	if _, ok := p.(provider.FileWriter); ok {
		t.Error("Read-only provider must not expose WriteFile")
	}
}

func TestBuildService(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{
			{Scheme: "mem", Type: "memory"},
			{Scheme: "db", Type: "badger", Badger: map[string]any{"in_memory": true}},
		},
	}
	ApplyDefaults(cfg)

	svc, cleanup, err := BuildService(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("BuildService failed: %v", err)
	}
	defer cleanup()

	ctx := context.Background()
	for _, raw := range []string{"mem:///a.txt", "db:///a.txt"} {
		u := uri.MustParse(raw)
		if !svc.CanHandleResource(u) {
			t.Fatalf("Expected %s to be handled", raw)
		}
		if _, err := svc.CreateFile(ctx, u, []byte("x"), nil); err != nil {
			t.Fatalf("CreateFile(%s) failed: %v", raw, err)
		}
		ok, err := svc.ExistsFile(ctx, u)
		if err != nil || !ok {
			t.Errorf("Expected %s to exist, got %v, %v", raw, ok, err)
		}
	}

	_, err = svc.ResolveFile(ctx, uri.MustParse("ftp:///a"), nil)
	if !files.IsCode(err, files.CodeUnsupportedScheme) {
		t.Errorf("Expected UnsupportedScheme, got %v", err)
	}
}

func TestBuildService_InvalidProvider(t *testing.T) {
	cfg := &Config{Providers: []ProviderConfig{{Scheme: "file", Type: "disk"}}}
	ApplyDefaults(cfg)

	if _, _, err := BuildService(context.Background(), cfg, nil); err == nil {
		t.Fatal("Expected error for disk provider without root")
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig())
	if result.Server != nil {
		t.Error("Expected nil server when metrics are disabled")
	}
	if result.ServiceMetrics == nil {
		t.Error("Expected no-op service metrics, got nil")
	}
}
