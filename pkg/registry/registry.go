// Package registry maps URI schemes to the providers that own them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/event"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/metrics"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// RevokeHook is called when a provider stops owning its scheme, either
// because it was replaced, unregistered or the registry closed.
//
// Hooks run synchronously under the registry write lock, before the revoked
// provider is closed and before a replacement becomes visible. They must not
// call back into the Registry.
type RevokeHook func(scheme string, revoked provider.Provider)

// Registry maps schemes to providers.
//
// Exactly one provider owns a scheme at any instant. Registering a provider
// for an owned scheme atomically replaces the previous one: lookups observe
// either the old or the new provider, never an empty slot. In-flight
// operations keep the instance they acquired, so replacement never aborts
// them.
//
// Example usage:
//
//	reg := registry.New(registry.Options{})
//	registration, _ := reg.Register("mem", memory.New(memory.Config{}))
//	defer registration.Close()
//
//	p, err := reg.Acquire(ctx, "mem")
type Registry struct {
	// regMu serializes registration changes so events leave in state order
	regMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	hooks   []RevokeHook
	nextGen uint64
	closed  bool

	events  *event.Bus[files.ProviderRegistrationEvent]
	metrics metrics.ServiceMetrics
}

type entry struct {
	scheme     string
	provider   provider.Provider
	gen        uint64
	activated  bool
	activating *activation
}

// activation is a shared in-progress Activate call.
type activation struct {
	done chan struct{}
	err  error
}

// Options configures a Registry.
type Options struct {
	// EventBufferSize is the channel capacity of registration subscribers
	EventBufferSize int

	// Metrics tracks the number of registered providers. nil disables it.
	Metrics metrics.ServiceMetrics
}

// Info describes a registered provider.
type Info struct {
	Scheme       string
	Capabilities provider.Capability
	Activated    bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		events: event.NewBus[files.ProviderRegistrationEvent](event.BusOptions{
			Name:                 "registrations",
			SubscriberBufferSize: opts.EventBufferSize,
			Metrics:              opts.Metrics,
		}),
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

// OnRevoke adds a revocation hook. See RevokeHook for the constraints.
func (r *Registry) OnRevoke(hook RevokeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register binds p to scheme, replacing (and revoking) any current owner.
//
// Replacement happens under the write lock in this order: the old entry is
// removed, revocation hooks run, the old provider is closed if it
// implements io.Closer, and the new entry is inserted. A removed and an
// added event are then published.
//
// Parameters:
//   - scheme: URI scheme, case-insensitive, must match [a-z][a-z0-9+.-]*
//   - p: provider to bind
//
// Returns:
//   - *Registration: handle whose Close unregisters p (if it still owns the scheme)
//   - error: invalid scheme, nil provider or closed registry
func (r *Registry) Register(scheme string, p provider.Provider) (*Registration, error) {
	scheme = strings.ToLower(scheme)
	if !uri.ValidScheme(scheme) {
		return nil, files.NewError(files.CodeInvalidArgument, "", "invalid scheme %q", scheme)
	}
	if p == nil {
		return nil, files.NewError(files.CodeInvalidArgument, "", "cannot register nil provider for scheme %q", scheme)
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, files.NewError(files.CodeProviderUnavailable, "", "registry closed")
	}

	old := r.entries[scheme]
	var closeErr error
	if old != nil {
		delete(r.entries, scheme)
		closeErr = r.revokeLocked(old)
	}

	r.nextGen++
	e := &entry{scheme: scheme, provider: p, gen: r.nextGen}
	r.entries[scheme] = e
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegisteredProviders(count)
	if old != nil {
		logger.Info("Provider for scheme %q replaced", scheme)
		if closeErr != nil {
			logger.Warn("Closing replaced provider for scheme %q: %v", scheme, closeErr)
		}
		r.events.Publish(files.ProviderRegistrationEvent{Scheme: scheme, Change: files.ProviderRemoved})
	} else {
		logger.Info("Provider registered for scheme %q (%s)", scheme, p.Capabilities())
	}
	r.events.Publish(files.ProviderRegistrationEvent{Scheme: scheme, Change: files.ProviderAdded})

	return &Registration{registry: r, scheme: scheme, gen: e.gen}, nil
}

// revokeLocked runs the hooks for a removed entry and closes its provider.
// Caller holds r.mu for writing.
func (r *Registry) revokeLocked(e *entry) error {
	for _, hook := range r.hooks {
		hook(e.scheme, e.provider)
	}
	if c, ok := e.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// unregister removes the entry for scheme if it is still generation gen.
func (r *Registry) unregister(scheme string, gen uint64) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	e := r.entries[scheme]
	if e == nil || e.gen != gen {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, scheme)
	err := r.revokeLocked(e)
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegisteredProviders(count)
	logger.Info("Provider for scheme %q unregistered", scheme)
	r.events.Publish(files.ProviderRegistrationEvent{Scheme: scheme, Change: files.ProviderRemoved})
	return err
}

// Resolve returns the provider owning scheme. It never activates.
func (r *Registry) Resolve(scheme string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(scheme)]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// CanHandle reports whether a provider owns the scheme of u.
func (r *Registry) CanHandle(u uri.URI) bool {
	_, ok := r.Resolve(u.Scheme())
	return ok
}

// Schemes returns the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.entries))
	for s := range r.entries {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Providers describes the registered providers, sorted by scheme.
func (r *Registry) Providers() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, Info{
			Scheme:       e.scheme,
			Capabilities: e.provider.Capabilities(),
			Activated:    e.activated,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Scheme < infos[j].Scheme })
	return infos
}

// Activate runs the provider's Activate hook if it has not completed yet.
//
// Concurrent callers share one attempt. A failed attempt is not remembered:
// the next call tries again. The attempt itself is not bound to ctx; ctx
// only bounds how long this caller waits.
//
// Returns:
//   - nil once the provider is ready
//   - ProviderUnavailable if no provider is registered, activation fails, or
//     the provider is replaced or removed while activating
//   - Cancelled if ctx ends first
func (r *Registry) Activate(ctx context.Context, scheme string) error {
	scheme = strings.ToLower(scheme)
	r.mu.RLock()
	e := r.entries[scheme]
	r.mu.RUnlock()
	if e == nil {
		return files.NewError(files.CodeProviderUnavailable, "", "no provider registered for scheme %q", scheme)
	}
	return r.activate(ctx, e)
}

// Acquire resolves and activates the provider owning scheme.
//
// The returned instance is what the caller must use for the whole
// operation, even if the scheme is re-registered meanwhile.
//
// Returns:
//   - provider.Provider: the activated provider
//   - error: UnsupportedScheme if absent, or any Activate failure
func (r *Registry) Acquire(ctx context.Context, scheme string) (provider.Provider, error) {
	scheme = strings.ToLower(scheme)
	r.mu.RLock()
	e := r.entries[scheme]
	r.mu.RUnlock()
	if e == nil {
		return nil, files.NewError(files.CodeUnsupportedScheme, "", "no provider registered for scheme %q", scheme)
	}
	if err := r.activate(ctx, e); err != nil {
		return nil, err
	}
	return e.provider, nil
}

func (r *Registry) activate(ctx context.Context, e *entry) error {
	act, ok := e.provider.(provider.Activator)

	r.mu.Lock()
	if r.entries[e.scheme] != e {
		r.mu.Unlock()
		return files.NewError(files.CodeProviderUnavailable, "", "provider for scheme %q was replaced", e.scheme)
	}
	if e.activated || !ok {
		e.activated = true
		r.mu.Unlock()
		return nil
	}
	a := e.activating
	if a == nil {
		a = &activation{done: make(chan struct{})}
		e.activating = a
		logger.Debug("Activating provider for scheme %q", e.scheme)
		go r.runActivation(context.WithoutCancel(ctx), e, act, a)
	}
	r.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return files.WrapError(files.CodeCancelled, "", ctx.Err())
	}

	if a.err != nil {
		return files.WrapError(files.CodeProviderUnavailable, "", a.err)
	}

	r.mu.RLock()
	current := r.entries[e.scheme] == e
	r.mu.RUnlock()
	if !current {
		return files.NewError(files.CodeProviderUnavailable, "", "provider for scheme %q was replaced while activating", e.scheme)
	}
	return nil
}

func (r *Registry) runActivation(ctx context.Context, e *entry, act provider.Activator, a *activation) {
	err := act.Activate(ctx)

	r.mu.Lock()
	e.activating = nil
	if err == nil {
		e.activated = true
	}
	r.mu.Unlock()

	if err != nil {
		logger.Warn("Activation of provider for scheme %q failed: %v", e.scheme, err)
	} else {
		logger.Info("Provider for scheme %q activated", e.scheme)
	}

	a.err = err
	close(a.done)
}

// Subscribe returns the stream of registration changes.
func (r *Registry) Subscribe() (<-chan files.ProviderRegistrationEvent, func()) {
	return r.events.Subscribe()
}

// Close revokes and closes every provider, then closes the event stream.
func (r *Registry) Close() error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	schemes := make([]string, 0, len(r.entries))
	for s := range r.entries {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)

	var errs []error
	for _, s := range schemes {
		if err := r.revokeLocked(r.entries[s]); err != nil {
			errs = append(errs, fmt.Errorf("close provider %q: %w", s, err))
		}
		delete(r.entries, s)
	}
	r.mu.Unlock()

	r.metrics.SetRegisteredProviders(0)
	for _, s := range schemes {
		r.events.Publish(files.ProviderRegistrationEvent{Scheme: s, Change: files.ProviderRemoved})
	}
	r.events.Close()
	return errors.Join(errs...)
}

// Registration is returned by Register.
type Registration struct {
	registry *Registry
	scheme   string
	gen      uint64
	once     sync.Once
	err      error
}

// Scheme returns the registered scheme.
func (g *Registration) Scheme() string {
	return g.scheme
}

// Close unregisters the provider if it still owns the scheme. The scheme
// becomes unresolved; a previously replaced provider never comes back.
// Idempotent.
func (g *Registration) Close() error {
	g.once.Do(func() {
		g.err = g.registry.unregister(g.scheme, g.gen)
	})
	return g.err
}
