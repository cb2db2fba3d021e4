package config

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/internal/ratelimiter"
	"github.com/marmos91/dittovfs/pkg/metrics"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/badger"
	"github.com/marmos91/dittovfs/pkg/provider/billy"
	"github.com/marmos91/dittovfs/pkg/provider/disk"
	"github.com/marmos91/dittovfs/pkg/provider/memory"
	"github.com/marmos91/dittovfs/pkg/provider/s3"
	"github.com/marmos91/dittovfs/pkg/provider/throttle"
)

// CreateProvider creates the provider described by cfg.
//
// The type-specific section matching cfg.Type is decoded into the
// provider's own config struct and validated. The provider is then wrapped
// with a rate limiter when rate_limit is set, and made read-only when
// read_only is set.
//
// Supported types:
//   - "memory": pkg/provider/memory (ephemeral, in-process)
//   - "disk": pkg/provider/disk (local directory, fsnotify watches)
//   - "s3": pkg/provider/s3 (Amazon S3 or compatible storage)
//   - "badger": pkg/provider/badger (BadgerDB, persistent)
//   - "billy": pkg/provider/billy (go-billy memfs or osfs)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Provider configuration
//
// Returns:
//   - provider.Provider: Provider ready to be registered (not yet activated)
//   - error: Configuration or initialization error
func CreateProvider(ctx context.Context, cfg ProviderConfig) (provider.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := createBaseProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit.Enabled() {
		p = throttle.New(p, ratelimiter.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.ReadOnly {
		p = provider.ReadOnly(p)
	}

	logger.Info("Provider created: scheme=%s, type=%s, read_only=%t, rate_limit=%.1f/s",
		cfg.Scheme, cfg.Type, cfg.ReadOnly, cfg.RateLimit.RequestsPerSecond)
	return p, nil
}

func createBaseProvider(ctx context.Context, cfg ProviderConfig) (provider.Provider, error) {
	switch cfg.Type {
	case "memory":
		var c memory.Config
		if err := decodeSection("memory", cfg.Memory, &c); err != nil {
			return nil, err
		}
		return memory.New(c), nil

	case "disk":
		var c disk.Config
		if err := decodeSection("disk", cfg.Disk, &c); err != nil {
			return nil, err
		}
		p, err := disk.New(c)
		if err != nil {
			return nil, fmt.Errorf("failed to create disk provider: %w", err)
		}
		return p, nil

	case "s3":
		var c s3.Config
		if err := decodeSection("s3", cfg.S3, &c); err != nil {
			return nil, err
		}
		p, err := s3.NewFromConfig(ctx, c, metrics.NewS3Metrics())
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 provider: %w", err)
		}
		return p, nil

	case "badger":
		var c badger.Config
		if err := decodeSection("badger", cfg.Badger, &c); err != nil {
			return nil, err
		}
		return badger.New(c), nil

	case "billy":
		var c billy.Config
		if err := decodeSection("billy", cfg.Billy, &c); err != nil {
			return nil, err
		}
		p, err := billy.New(c)
		if err != nil {
			return nil, fmt.Errorf("failed to create billy provider: %w", err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown provider type: %q (supported: memory, disk, s3, badger, billy)", cfg.Type)
	}
}

// decodeSection decodes a type-specific option map into out and validates
// it. Values coming from the environment are strings, so input is weakly
// typed.
func decodeSection(name string, options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode %s provider options: %w", name, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%s provider: %w", name, formatValidationError(err))
	}
	return nil
}
