// Package fileservice is the caller-facing virtual file service.
//
// A Service routes every operation to the provider registered for the
// resource's scheme, checks the provider declares the needed capability,
// normalizes the provider's answer into files.FileStat / files.Content, and
// publishes exactly one files.FileOperationEvent per completed mutation.
//
// Example usage:
//
//	svc := fileservice.New(fileservice.Options{})
//	defer svc.Close()
//
//	_, _ = svc.RegisterProvider("mem", memory.New(memory.Config{}))
//
//	ops, cancel := svc.SubscribeOperations()
//	defer cancel()
//
//	stat, err := svc.CreateFile(ctx, uri.MustParse("mem://a/b.txt"), []byte("hi"), nil)
package fileservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/event"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/metrics"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/registry"
	"github.com/marmos91/dittovfs/pkg/uri"
	"github.com/marmos91/dittovfs/pkg/watch"
)

// Default values for Options.
const (
	DefaultResolveConcurrency = 8
	DefaultStreamChunkSize    = 64 * 1024
)

// Options configures a Service.
type Options struct {
	// ResolveConcurrency bounds parallel resolutions in ResolveFiles.
	// Default: 8
	ResolveConcurrency int

	// StreamChunkSize is the read size used when copying streams between
	// providers. Default: 64KiB
	StreamChunkSize int

	// EventBufferSize is the channel capacity of every event subscriber.
	// Default: 128
	EventBufferSize int

	// EventWriteTimeout drops subscribers that stay full this long.
	// 0 blocks publishers until the subscriber catches up.
	EventWriteTimeout time.Duration

	// Metrics collects service metrics. nil disables them.
	Metrics metrics.ServiceMetrics
}

func (o *Options) applyDefaults() {
	if o.ResolveConcurrency <= 0 {
		o.ResolveConcurrency = DefaultResolveConcurrency
	}
	if o.StreamChunkSize <= 0 {
		o.StreamChunkSize = DefaultStreamChunkSize
	}
}

// Service is the virtual file service. Safe for concurrent use.
type Service struct {
	opts     Options
	registry *registry.Registry
	events   *event.Aggregator
	watches  *watch.Manager
	metrics  metrics.ServiceMetrics

	// legacy holds the handles of Watch/Unwatch, keyed by URI.
	legacyMu sync.Mutex
	legacy   map[string]*watch.Handle

	closeOnce sync.Once
}

// New creates a Service with no providers registered.
func New(opts Options) *Service {
	opts.applyDefaults()

	m := metrics.OrNoop(opts.Metrics)
	reg := registry.New(registry.Options{
		EventBufferSize: opts.EventBufferSize,
		Metrics:         m,
	})
	agg := event.NewAggregator(event.AggregatorOptions{
		BufferSize:   opts.EventBufferSize,
		WriteTimeout: opts.EventWriteTimeout,
		Metrics:      m,
	})

	return &Service{
		opts:     opts,
		registry: reg,
		events:   agg,
		watches:  watch.NewManager(reg, agg, m),
		metrics:  m,
		legacy:   make(map[string]*watch.Handle),
	}
}

// ============================================================================
// Registration surface
// ============================================================================

// RegisterProvider binds p to scheme. See registry.Registry.Register.
func (s *Service) RegisterProvider(scheme string, p provider.Provider) (*registry.Registration, error) {
	return s.registry.Register(scheme, p)
}

// ActivateProvider activates the provider of scheme ahead of first use.
func (s *Service) ActivateProvider(ctx context.Context, scheme string) error {
	return s.registry.Activate(ctx, scheme)
}

// CanHandleResource reports whether a provider owns the scheme of u.
func (s *Service) CanHandleResource(u uri.URI) bool {
	return s.registry.CanHandle(u)
}

// Providers describes the registered providers.
func (s *Service) Providers() []registry.Info {
	return s.registry.Providers()
}

// Registry exposes the underlying provider registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// ============================================================================
// Event surface
// ============================================================================

// SubscribeOperations subscribes to operation-completion events.
func (s *Service) SubscribeOperations() (<-chan files.FileOperationEvent, func()) {
	return s.events.SubscribeOperations()
}

// SubscribeChanges subscribes to provider change batches.
func (s *Service) SubscribeChanges() (<-chan files.FileChangesEvent, func()) {
	return s.events.SubscribeChanges()
}

// SubscribeWatchErrors subscribes to provider watch failures.
func (s *Service) SubscribeWatchErrors() (<-chan files.WatchErrorEvent, func()) {
	return s.events.SubscribeWatchErrors()
}

// SubscribeRegistrations subscribes to provider registration changes.
func (s *Service) SubscribeRegistrations() (<-chan files.ProviderRegistrationEvent, func()) {
	return s.registry.Subscribe()
}

// Close disposes all watches, unregisters and closes all providers, and
// closes every event stream. Idempotent.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.watches.Close()

		s.legacyMu.Lock()
		s.legacy = make(map[string]*watch.Handle)
		s.legacyMu.Unlock()

		err = s.registry.Close()
		s.events.Close()
		logger.Debug("File service closed")
	})
	return err
}

// ============================================================================
// Dispatch helpers
// ============================================================================

// capabilityInterfaces maps each capability to the check for the optional
// interface that backs it.
var capabilityInterfaces = []struct {
	cap   provider.Capability
	name  string
	check func(provider.Provider) bool
}{
	{provider.CapWrite, "write", func(p provider.Provider) bool { _, ok := p.(provider.FileWriter); return ok }},
	{provider.CapDelete, "delete", func(p provider.Provider) bool { _, ok := p.(provider.Deleter); return ok }},
	{provider.CapMove, "move", func(p provider.Provider) bool { _, ok := p.(provider.Renamer); return ok }},
	{provider.CapCopy, "copy", func(p provider.Provider) bool { _, ok := p.(provider.Copier); return ok }},
	{provider.CapFolderCreate, "folder creation", func(p provider.Provider) bool { _, ok := p.(provider.FolderCreator); return ok }},
	{provider.CapWatch, "watch", func(p provider.Provider) bool { _, ok := p.(provider.Watcher); return ok }},
	{provider.CapStreamRead, "stream read", func(p provider.Provider) bool { _, ok := p.(provider.StreamReader); return ok }},
	{provider.CapTrash, "trash", func(provider.Provider) bool { return true }},
}

// supports reports whether p declares every capability in want and
// implements the interfaces behind them.
func supports(p provider.Provider, want provider.Capability) bool {
	return missingCapability(p, want) == ""
}

func missingCapability(p provider.Provider, want provider.Capability) string {
	caps := p.Capabilities()
	for _, ci := range capabilityInterfaces {
		if !want.Has(ci.cap) {
			continue
		}
		if !caps.Has(ci.cap) || !ci.check(p) {
			return ci.name
		}
	}
	return ""
}

func requireCapability(p provider.Provider, u uri.URI, want provider.Capability) error {
	if name := missingCapability(p, want); name != "" {
		return files.NewError(files.CodeCapabilityNotSupported, u.String(),
			"provider for scheme %q does not support %s", u.Scheme(), name)
	}
	return nil
}

// acquire resolves and activates the provider of u and checks want.
func (s *Service) acquire(ctx context.Context, u uri.URI, want provider.Capability) (provider.Provider, error) {
	if u.IsZero() {
		return nil, files.NewError(files.CodeInvalidArgument, "", "empty resource")
	}
	p, err := s.registry.Acquire(ctx, u.Scheme())
	if err != nil {
		return nil, withResource(err, u)
	}
	if err := requireCapability(p, u, want); err != nil {
		return nil, err
	}
	return p, nil
}

// withResource fills in the resource of a typed error that has none.
func withResource(err error, u uri.URI) error {
	var fe *files.Error
	if errors.As(err, &fe) && fe.Resource == "" {
		fe.Resource = u.String()
	}
	return err
}

// gate runs fn and stops waiting when ctx ends.
//
// A late result is discarded: once ctx is done the call reports Cancelled
// even if fn succeeded, so the caller never publishes an event for it.
func gate[T any](ctx context.Context, u uri.URI, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, files.WrapError(files.CodeCancelled, u.String(), err)
	}

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return zero, files.FromProvider(u.String(), r.err)
		}
		if err := ctx.Err(); err != nil {
			return zero, files.WrapError(files.CodeCancelled, u.String(), err)
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, files.WrapError(files.CodeCancelled, u.String(), ctx.Err())
	}
}

// dispatch acquires the provider of u, runs fn through the cancellation
// gate and records the outcome.
func dispatch[T any](s *Service, ctx context.Context, op string, u uri.URI, want provider.Capability, fn func(ctx context.Context, p provider.Provider) (T, error)) (T, error) {
	start := time.Now()
	var zero T

	p, err := s.acquire(ctx, u, want)
	if err != nil {
		s.observe(op, u, start, err)
		return zero, err
	}

	v, err := gate(ctx, u, func(ctx context.Context) (T, error) {
		return fn(ctx, p)
	})
	s.observe(op, u, start, err)
	return v, err
}

func (s *Service) observe(op string, u uri.URI, start time.Time, err error) {
	s.metrics.ObserveOperation(op, u.Scheme(), time.Since(start), err)
	if err != nil {
		logger.Debug("%s %s failed: %v", op, u, err)
	}
}

// publish emits the event of a completed mutation.
func (s *Service) publish(op files.Operation, resource uri.URI, target *uri.URI, stat *files.FileStat) {
	s.events.PublishOperation(files.FileOperationEvent{
		Operation: op,
		Resource:  resource,
		Target:    target,
		Stat:      stat,
	})
}

// toFileStat builds the canonical stat of u from a provider answer.
func toFileStat(u uri.URI, st provider.Stat, caps provider.Capability) *files.FileStat {
	return &files.FileStat{
		Resource: u,
		Name:     u.Base(),
		Type:     st.Type,
		Size:     st.Size,
		MTime:    st.MTime,
		CTime:    st.CTime,
		ETag:     files.ETag(st.Type, st.MTime, st.Size),
		Readonly: caps.ReadOnly(),
	}
}

// stat fetches a fresh FileStat from p.
func stat(ctx context.Context, p provider.Provider, u uri.URI) (*files.FileStat, error) {
	st, err := p.Stat(ctx, u)
	if err != nil {
		return nil, err
	}
	return toFileStat(u, st, p.Capabilities()), nil
}
