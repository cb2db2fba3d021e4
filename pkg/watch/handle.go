package watch

import (
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/uri"
)

type handleState uint8

const (
	stateOpen handleState = iota
	stateClosed
	stateRevoked
)

// Handle is one caller's reference on a watch.
//
// Change batches are not delivered through the handle; they go to the
// change stream of the service. The handle only controls lifetime.
type Handle struct {
	id      string
	manager *Manager
	entry   *entry

	// Guarded by manager.mu.
	state handleState
	err   error
	done  chan struct{}
}

// ID returns a unique identifier for the handle.
func (h *Handle) ID() string {
	return h.id
}

// Resource returns the watched URI.
func (h *Handle) Resource() uri.URI {
	return h.entry.resource
}

// Options returns the watch options the handle was created with.
func (h *Handle) Options() files.WatchOptions {
	return h.entry.opts
}

// Close releases the handle. Idempotent; a no-op on a revoked handle.
func (h *Handle) Close() error {
	h.manager.release(h)
	return nil
}

// Done is closed when the handle is closed or revoked.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns ProviderUnavailable once the handle was revoked (provider
// replaced, unregistered or service shut down), nil otherwise.
func (h *Handle) Err() error {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()
	return h.err
}

// Revoked reports whether the handle ended because its provider went away.
func (h *Handle) Revoked() bool {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()
	return h.state == stateRevoked
}

func (h *Handle) revokeLocked(err error) {
	if h.state != stateOpen {
		return
	}
	h.state = stateRevoked
	h.err = err
	close(h.done)
}
