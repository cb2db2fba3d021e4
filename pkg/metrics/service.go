package metrics

import (
	"time"
)

// ServiceMetrics provides observability for the file service.
//
// Implementations collect operation latency and outcome, watch lifecycle,
// event delivery and provider registration. This interface is optional: a
// nil ServiceMetrics passed to the service is replaced with a no-op
// implementation.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	svc := fileservice.New(fileservice.Options{Metrics: prometheus.NewServiceMetrics()})
//
//	// Without metrics (no-op)
//	svc := fileservice.New(fileservice.Options{})
type ServiceMetrics interface {
	// ObserveOperation records a completed dispatch call.
	//
	// Parameters:
	//   - operation: service operation (e.g. "resolve", "create", "delete")
	//   - scheme: URI scheme the call was routed to
	//   - duration: time spent in the call
	//   - err: error if the call failed, nil on success
	ObserveOperation(operation, scheme string, duration time.Duration, err error)

	// SetActiveWatches updates the number of live provider-level watches.
	SetActiveWatches(count int)

	// RecordWatchEstablished records a provider-level watch being set up.
	RecordWatchEstablished(scheme string)

	// RecordWatchTeardown records a provider-level watch being torn down.
	//
	// Parameters:
	//   - reason: "released" (last handle closed), "revoked" (provider
	//     replaced or removed) or "shutdown"
	RecordWatchTeardown(scheme, reason string)

	// RecordEventPublished records an event published on a stream.
	RecordEventPublished(stream string)

	// RecordEventDropped records an event dropped for a slow subscriber.
	RecordEventDropped(stream string)

	// SetRegisteredProviders updates the number of registered providers.
	SetRegisteredProviders(count int)
}

// NewNoopServiceMetrics returns a ServiceMetrics that discards everything.
func NewNoopServiceMetrics() ServiceMetrics {
	return noopServiceMetrics{}
}

// OrNoop returns m, or a no-op implementation when m is nil.
func OrNoop(m ServiceMetrics) ServiceMetrics {
	if m == nil {
		return noopServiceMetrics{}
	}
	return m
}

type noopServiceMetrics struct{}

func (noopServiceMetrics) ObserveOperation(string, string, time.Duration, error) {}
func (noopServiceMetrics) SetActiveWatches(int)                                  {}
func (noopServiceMetrics) RecordWatchEstablished(string)                         {}
func (noopServiceMetrics) RecordWatchTeardown(string, string)                    {}
func (noopServiceMetrics) RecordEventPublished(string)                           {}
func (noopServiceMetrics) RecordEventDropped(string)                             {}
func (noopServiceMetrics) SetRegisteredProviders(int)                            {}
