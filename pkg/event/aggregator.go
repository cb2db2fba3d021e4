package event

import (
	"time"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/metrics"
)

// Stream names, used as bus names in logs and metrics.
const (
	StreamOperations  = "operations"
	StreamChanges     = "changes"
	StreamWatchErrors = "watch_errors"
)

// AggregatorOptions configures the buses owned by an Aggregator.
type AggregatorOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	Metrics      metrics.ServiceMetrics
}

// Aggregator merges operation-completion events and provider change batches
// from all providers into process-wide streams.
//
// Change batches are forwarded verbatim: never merged across providers and
// never coalesced across time.
type Aggregator struct {
	operations  *Bus[files.FileOperationEvent]
	changes     *Bus[files.FileChangesEvent]
	watchErrors *Bus[files.WatchErrorEvent]
}

// NewAggregator creates an Aggregator with its three streams.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	busOpts := func(name string) BusOptions {
		return BusOptions{
			Name:                 name,
			SubscriberBufferSize: opts.BufferSize,
			WriteTimeout:         opts.WriteTimeout,
			Metrics:              opts.Metrics,
		}
	}
	return &Aggregator{
		operations:  NewBus[files.FileOperationEvent](busOpts(StreamOperations)),
		changes:     NewBus[files.FileChangesEvent](busOpts(StreamChanges)),
		watchErrors: NewBus[files.WatchErrorEvent](busOpts(StreamWatchErrors)),
	}
}

// PublishOperation emits one FileOperationEvent.
func (a *Aggregator) PublishOperation(ev files.FileOperationEvent) {
	a.operations.Publish(ev)
}

// PublishChanges emits one provider batch. Empty batches are skipped.
func (a *Aggregator) PublishChanges(ev files.FileChangesEvent) {
	if len(ev.Changes) == 0 {
		return
	}
	a.changes.Publish(ev)
}

// PublishWatchError emits a diagnostic watch failure.
func (a *Aggregator) PublishWatchError(ev files.WatchErrorEvent) {
	a.watchErrors.Publish(ev)
}

// SubscribeOperations subscribes to the operation-completion stream.
func (a *Aggregator) SubscribeOperations() (<-chan files.FileOperationEvent, func()) {
	return a.operations.Subscribe()
}

// SubscribeChanges subscribes to the change stream.
func (a *Aggregator) SubscribeChanges() (<-chan files.FileChangesEvent, func()) {
	return a.changes.Subscribe()
}

// SubscribeWatchErrors subscribes to the diagnostic watch-error stream.
func (a *Aggregator) SubscribeWatchErrors() (<-chan files.WatchErrorEvent, func()) {
	return a.watchErrors.Subscribe()
}

// Close closes all streams.
func (a *Aggregator) Close() {
	a.operations.Close()
	a.changes.Close()
	a.watchErrors.Close()
}
