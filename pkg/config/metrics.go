package config

import (
	"github.com/marmos91/dittovfs/pkg/metrics"
	promMetrics "github.com/marmos91/dittovfs/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// ServiceMetrics is the file service collector (never nil, no-op if disabled)
	ServiceMetrics metrics.ServiceMetrics
}

// InitializeMetrics creates the metrics components described by cfg.
//
// If metrics are enabled:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server (not started)
//   - Creates the Prometheus-backed service metrics
//
// If metrics are disabled it returns a nil server and no-op metrics.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{ServiceMetrics: metrics.NewNoopServiceMetrics()}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server:         metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}),
		ServiceMetrics: promMetrics.NewServiceMetrics(),
	}
}
