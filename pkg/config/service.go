package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/fileservice"
	"github.com/marmos91/dittovfs/pkg/metrics"
)

// ServiceOptions maps the service section onto fileservice.Options.
func ServiceOptions(cfg *Config, m metrics.ServiceMetrics) fileservice.Options {
	return fileservice.Options{
		ResolveConcurrency: cfg.Service.ResolveConcurrency,
		StreamChunkSize:    cfg.Service.StreamChunkSize,
		EventBufferSize:    cfg.Service.EventBufferSize,
		EventWriteTimeout:  cfg.Service.EventWriteTimeout,
		Metrics:            m,
	}
}

// BuildService creates a file service and registers every configured
// provider. Providers are activated lazily on first use.
//
// Parameters:
//   - ctx: Context for provider creation
//   - cfg: Loaded configuration
//   - m: Service metrics (nil disables metrics)
//
// Returns:
//   - *fileservice.Service: Service with all providers registered
//   - func(): Cleanup closing the service and its providers
//   - error: Provider creation or registration error
func BuildService(ctx context.Context, cfg *Config, m metrics.ServiceMetrics) (*fileservice.Service, func(), error) {
	svc := fileservice.New(ServiceOptions(cfg, m))
	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Error closing file service: %v", err)
		}
	}

	for i, pc := range cfg.Providers {
		p, err := CreateProvider(ctx, pc)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("providers[%d] (%s): %w", i, pc.Scheme, err)
		}
		if _, err := svc.RegisterProvider(pc.Scheme, p); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("providers[%d]: failed to register scheme %q: %w", i, pc.Scheme, err)
		}
	}

	logger.Debug("File service built with %d provider(s)", len(cfg.Providers))
	return svc, cleanup, nil
}
