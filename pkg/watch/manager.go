// Package watch manages provider-level watches on behalf of many callers.
//
// Callers get a Handle per Watch call. Handles asking for the same
// (resource, recursive, excludes) key share one provider-level watch, which
// stays established exactly as long as at least one handle on the key is
// open. When the owning provider is replaced or unregistered, every watch of
// that provider is torn down and its handles are revoked.
package watch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/metrics"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/registry"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Teardown reasons reported to metrics.
const (
	reasonReleased = "released"
	reasonRevoked  = "revoked"
	reasonShutdown = "shutdown"
)

// Sink receives what provider-level watches report.
//
// *event.Aggregator implements it.
type Sink interface {
	PublishChanges(ev files.FileChangesEvent)
	PublishWatchError(ev files.WatchErrorEvent)
}

// Key identifies a de-duplicated watch.
type Key struct {
	Resource  string
	Recursive bool
	Excludes  string
}

// KeyOf computes the key of a watch request. Exclude order is irrelevant.
func KeyOf(u uri.URI, opts files.WatchOptions) Key {
	excludes := append([]string(nil), opts.Excludes...)
	sort.Strings(excludes)
	return Key{
		Resource:  u.Key(),
		Recursive: opts.Recursive,
		Excludes:  strings.Join(excludes, "\x00"),
	}
}

// Manager reference-counts watches and owns their provider-level lifetime.
//
// Thread Safety:
// All state is guarded by one mutex. Provider Watch calls run outside it;
// Unwatch calls run under it, so a provider's Unwatch must not call back
// into the Manager.
type Manager struct {
	mu       sync.Mutex
	registry *registry.Registry
	sink     Sink
	metrics  metrics.ServiceMetrics
	entries  map[Key]*entry
	closed   bool
}

type entry struct {
	key      Key
	resource uri.URI
	opts     files.WatchOptions

	refs    int
	handles map[*Handle]struct{}

	// ready is closed when establishment finishes; err is set before.
	ready       chan struct{}
	err         error
	established bool
	revoked     bool

	provider provider.Provider
	unwatch  provider.Unwatch
	notifier *notifier
}

// NewManager creates a Manager bound to reg. It installs a revocation hook
// on reg so provider replacement tears down dependent watches.
func NewManager(reg *registry.Registry, sink Sink, m metrics.ServiceMetrics) *Manager {
	mgr := &Manager{
		registry: reg,
		sink:     sink,
		metrics:  metrics.OrNoop(m),
		entries:  make(map[Key]*entry),
	}
	reg.OnRevoke(mgr.revoke)
	return mgr
}

// Watch returns a handle on a watch of u.
//
// The first handle on a key establishes the provider-level watch;
// concurrent first callers share that establishment and all receive its
// error if it fails, leaving no entry behind. Later handles only bump the
// reference count.
//
// Returns:
//   - *Handle: open handle; Close it when done
//   - error: UnsupportedScheme, CapabilityNotSupported, Cancelled,
//     ProviderUnavailable or the provider's watch error
func (m *Manager) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, files.WrapError(files.CodeCancelled, u.String(), err)
	}

	key := KeyOf(u, opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, files.NewError(files.CodeProviderUnavailable, u.String(), "watch manager closed")
	}
	e, exists := m.entries[key]
	if !exists {
		e = &entry{
			key:      key,
			resource: u,
			opts:     opts,
			handles:  make(map[*Handle]struct{}),
			ready:    make(chan struct{}),
		}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	if !exists {
		return m.establish(ctx, e)
	}
	return m.join(ctx, e)
}

// establish sets up the provider-level watch for a new entry.
func (m *Manager) establish(ctx context.Context, e *entry) (*Handle, error) {
	scheme := e.resource.Scheme()

	p, err := m.registry.Acquire(ctx, scheme)
	if err == nil {
		err = checkWatchCapability(p, e.resource)
	}
	if err != nil {
		return nil, m.fail(e, err)
	}

	m.mu.Lock()
	e.provider = p
	m.mu.Unlock()

	// A replacement that happened before e.provider was visible to the
	// revocation hook would otherwise go unnoticed.
	if current, ok := m.registry.Resolve(scheme); !ok || current != p {
		return nil, m.fail(e, files.NewError(files.CodeProviderUnavailable, e.resource.String(), "provider for scheme %q was replaced", scheme))
	}

	n := &notifier{sink: m.sink, scheme: scheme, resource: e.resource}
	unwatch, err := p.(provider.Watcher).Watch(ctx, e.resource, e.opts, n)
	if err == nil && ctx.Err() != nil {
		unwatch()
		err = ctx.Err()
	}
	if err != nil {
		return nil, m.fail(e, files.FromProvider(e.resource.String(), err))
	}

	m.mu.Lock()
	if e.revoked || m.closed {
		m.mu.Unlock()
		n.stop()
		unwatch()
		return nil, m.fail(e, files.NewError(files.CodeProviderUnavailable, e.resource.String(), "provider for scheme %q was revoked", scheme))
	}
	e.unwatch = unwatch
	e.notifier = n
	e.established = true
	h := m.newHandleLocked(e)
	active := m.activeLocked()
	close(e.ready)
	m.mu.Unlock()

	m.metrics.RecordWatchEstablished(scheme)
	m.metrics.SetActiveWatches(active)
	logger.Debug("Watch established on %s (recursive=%t)", e.resource, e.opts.Recursive)
	return h, nil
}

// fail records an establishment failure, wakes the waiters and removes the
// entry.
func (m *Manager) fail(e *entry, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[e.key] == e {
		delete(m.entries, e.key)
	}
	e.err = err
	close(e.ready)
	return err
}

// join waits for a pending establishment, then adds a handle.
func (m *Manager) join(ctx context.Context, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		m.mu.Lock()
		e.refs--
		active := -1
		if e.refs == 0 && e.established && m.entries[e.key] == e {
			delete(m.entries, e.key)
			m.teardownLocked(e, reasonReleased)
			active = m.activeLocked()
		}
		m.mu.Unlock()
		if active >= 0 {
			m.metrics.SetActiveWatches(active)
		}
		return nil, files.WrapError(files.CodeCancelled, e.resource.String(), ctx.Err())
	}

	if e.err != nil {
		return nil, e.err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[e.key] != e {
		return nil, files.NewError(files.CodeProviderUnavailable, e.resource.String(), "watch was revoked")
	}
	return m.newHandleLocked(e), nil
}

func checkWatchCapability(p provider.Provider, u uri.URI) error {
	if _, ok := p.(provider.Watcher); !ok || !p.Capabilities().Has(provider.CapWatch) {
		return files.NewError(files.CodeCapabilityNotSupported, u.String(), "provider for scheme %q does not support watching", u.Scheme())
	}
	return nil
}

func (m *Manager) newHandleLocked(e *entry) *Handle {
	h := &Handle{
		id:      uuid.NewString(),
		manager: m,
		entry:   e,
		done:    make(chan struct{}),
	}
	e.handles[h] = struct{}{}
	return h
}

// release closes one handle. The last handle on an entry tears down the
// provider-level watch.
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if h.state != stateOpen {
		m.mu.Unlock()
		return
	}
	h.state = stateClosed
	close(h.done)

	e := h.entry
	delete(e.handles, h)
	e.refs--
	if e.refs > 0 || m.entries[e.key] != e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, e.key)
	m.teardownLocked(e, reasonReleased)
	active := m.activeLocked()
	m.mu.Unlock()

	m.metrics.SetActiveWatches(active)
}

// teardownLocked stops delivery and removes the provider-level watch.
func (m *Manager) teardownLocked(e *entry, reason string) {
	if !e.established {
		return
	}
	e.established = false
	e.notifier.stop()
	e.unwatch()
	m.metrics.RecordWatchTeardown(e.resource.Scheme(), reason)
	logger.Debug("Watch on %s torn down (%s)", e.resource, reason)
}

// revoke is the registry hook: tear down every watch served by p.
func (m *Manager) revoke(scheme string, p provider.Provider) {
	m.mu.Lock()
	revoked := 0
	for key, e := range m.entries {
		if e.provider != p {
			continue
		}
		delete(m.entries, key)
		if !e.established {
			// Still establishing; establish notices and unwinds.
			e.revoked = true
			continue
		}
		m.teardownLocked(e, reasonRevoked)
		err := files.NewError(files.CodeProviderUnavailable, e.resource.String(), "provider for scheme %q was revoked", scheme)
		for h := range e.handles {
			h.revokeLocked(err)
		}
		revoked++
	}
	active := m.activeLocked()
	m.mu.Unlock()

	if revoked > 0 {
		logger.Info("Revoked %d watch(es) of scheme %q", revoked, scheme)
	}
	m.metrics.SetActiveWatches(active)
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.established {
			n++
		}
	}
	return n
}

// ActiveWatches returns the number of established provider-level watches.
func (m *Manager) ActiveWatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// RefCount returns the number of live references on the watch key of
// (u, opts), including pending ones.
func (m *Manager) RefCount(u uri.URI, opts files.WatchOptions) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[KeyOf(u, opts)]; ok {
		return e.refs
	}
	return 0
}

// Close tears down every watch and closes every handle. Watch fails
// afterwards. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	err := files.NewError(files.CodeProviderUnavailable, "", "watch manager closed")
	for key, e := range m.entries {
		delete(m.entries, key)
		if !e.established {
			continue
		}
		m.teardownLocked(e, reasonShutdown)
		for h := range e.handles {
			h.revokeLocked(err)
		}
	}
	m.mu.Unlock()

	m.metrics.SetActiveWatches(0)
}

// ============================================================================
// Notifier
// ============================================================================

// notifier is bound to exactly one provider-level watch. After stop it
// drops everything not yet handed to the sink. stop does not wait for a
// delivery in progress: the sink may be blocked on the very subscriber that
// is closing the watch.
type notifier struct {
	stopped  atomic.Bool
	sink     Sink
	scheme   string
	resource uri.URI
}

func (n *notifier) NotifyChanges(changes []files.FileChange) {
	if len(changes) == 0 || n.stopped.Load() {
		return
	}
	batch := make([]files.FileChange, len(changes))
	copy(batch, changes)
	n.sink.PublishChanges(files.FileChangesEvent{Scheme: n.scheme, Changes: batch})
}

func (n *notifier) NotifyError(err error) {
	if n.stopped.Load() {
		return
	}
	logger.Warn("Watch on %s reported error: %v", n.resource, err)
	n.sink.PublishWatchError(files.WatchErrorEvent{Scheme: n.scheme, Resource: n.resource, Err: err})
}

func (n *notifier) stop() {
	n.stopped.Store(true)
}
