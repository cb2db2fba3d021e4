// Package event provides the broadcast streams of the file service.
//
// A Bus delivers every published event to every current subscriber in
// publish order. Subscribing never replays past events, and unsubscribing is
// immediate: once the cancel function returns, nothing more is delivered.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/metrics"
)

const defaultSubscriberBufferSize = 128

// BusOptions configures a Bus.
type BusOptions struct {
	// Name labels the stream in logs and metrics
	Name string

	// SubscriberBufferSize is the channel capacity per subscriber.
	// Default: 128
	SubscriberBufferSize int

	// WriteTimeout bounds how long Publish waits on a full subscriber.
	// 0 blocks until the subscriber reads or unsubscribes; a positive value
	// drops (and unsubscribes) subscribers that stay full that long.
	WriteTimeout time.Duration

	// Metrics receives published/dropped counts. nil disables them.
	Metrics metrics.ServiceMetrics
}

// Bus is a typed broadcast stream.
//
// Publishes are serialized so all subscribers observe the same order.
type Bus[T any] struct {
	publishMu   sync.Mutex
	mu          sync.Mutex
	subscribers map[uint64]*subscription[T]
	nextSubID   atomic.Uint64
	closed      bool
	options     BusOptions
	metrics     metrics.ServiceMetrics
	published   atomic.Int64
	dropped     atomic.Int64
}

type subscription[T any] struct {
	id   uint64
	ch   chan T
	done chan struct{}

	// sendMu is held by the publisher while delivering to this subscriber
	// and by removal while closing ch.
	sendMu   sync.Mutex
	stopOnce sync.Once
	closed   bool
}

// NewBus creates a Bus.
func NewBus[T any](opts BusOptions) *Bus[T] {
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.Name == "" {
		opts.Name = "event_bus"
	}
	return &Bus[T]{
		subscribers: make(map[uint64]*subscription[T]),
		options:     opts,
		metrics:     metrics.OrNoop(opts.Metrics),
	}
}

// Subscribe registers a new subscriber.
//
// Returns the receive channel and a cancel function. Cancel is idempotent;
// it discards buffered, undelivered events and closes the channel. On a
// closed bus the returned channel is already closed.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	sub := &subscription[T]{
		id:   b.nextSubID.Add(1),
		ch:   make(chan T, b.options.SubscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	return sub.ch, func() { b.removeSubscriber(sub.id) }
}

// Publish delivers event to every current subscriber.
//
// Publish returns once the event is buffered for every subscriber (or the
// slow ones were dropped). Events published after Close are discarded.
func (b *Bus[T]) Publish(event T) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subscribers := make([]*subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.metrics.RecordEventPublished(b.options.Name)

	for _, sub := range subscribers {
		if !b.send(sub, event) {
			b.dropped.Add(1)
			b.metrics.RecordEventDropped(b.options.Name)
			logger.Warn("event bus %s: dropping subscriber %d after %s write timeout",
				b.options.Name, sub.id, b.options.WriteTimeout)
			b.removeSubscriber(sub.id)
		}
	}
}

// send delivers to one subscriber. Returns false only on write timeout.
func (b *Bus[T]) send(sub *subscription[T], event T) bool {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()

	if sub.closed {
		return true
	}
	select {
	case <-sub.done:
		return true
	default:
	}

	if b.options.WriteTimeout <= 0 {
		select {
		case sub.ch <- event:
		case <-sub.done:
		}
		return true
	}

	timer := time.NewTimer(b.options.WriteTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- event:
		return true
	case <-sub.done:
		return true
	case <-timer.C:
		return false
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		b.closeSubscription(sub, true)
	}
}

// closeSubscription closes the subscriber channel. With discard set, events
// still buffered are dropped first so the reader sees the close right away.
func (b *Bus[T]) closeSubscription(sub *subscription[T], discard bool) {
	// Unblock a publisher stuck on this subscriber before taking sendMu.
	sub.stopOnce.Do(func() { close(sub.done) })

	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	for discard {
		select {
		case <-sub.ch:
		default:
			discard = false
		}
	}
	close(sub.ch)
}

// Close closes the bus and every subscriber channel. Buffered events stay
// readable until the channel drains. Idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subscribers := b.subscribers
	b.subscribers = make(map[uint64]*subscription[T])
	b.mu.Unlock()

	for _, sub := range subscribers {
		b.closeSubscription(sub, false)
	}
}

// SubscriberCount returns the number of current subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats returns the number of published and dropped events.
func (b *Bus[T]) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Name returns the stream name.
func (b *Bus[T]) Name() string {
	return b.options.Name
}
