// Package metrics exposes Prometheus instrumentation for the file service:
// dispatch latency, watch lifecycle, event stream throughput and S3 calls.
//
// Collection is opt-in. Until InitRegistry runs, GetRegistry returns nil and
// every constructor in this package and in metrics/prometheus hands back a
// no-op, so the service, the watch manager and the event buses can always
// be given a metrics value without checking.
//
// Usage:
//
//	metrics.InitRegistry()
//	svc := fileservice.New(fileservice.Options{Metrics: prometheus.NewServiceMetrics()})
//	srv := metrics.NewServer(metrics.ServerConfig{Port: 9090})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read freely afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry that /metrics serves,
// seeded with the Go runtime and process collectors. Later calls are no-ops.
//
// Call it before building the service: metrics constructed earlier stay
// no-ops for the life of the process.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = newRegistry()
	})
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// GetRegistry returns the registry, or nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
