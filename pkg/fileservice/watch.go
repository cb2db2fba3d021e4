package fileservice

import (
	"context"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/uri"
	"github.com/marmos91/dittovfs/pkg/watch"
)

// WatchFileChanges starts watching u. Change batches arrive on
// SubscribeChanges; the handle controls the watch lifetime and reports
// revocation through Done and Err.
func (s *Service) WatchFileChanges(ctx context.Context, u uri.URI, opts *files.WatchOptions) (*watch.Handle, error) {
	var o files.WatchOptions
	if opts != nil {
		o = *opts
	}
	h, err := s.watches.Watch(ctx, u, o)
	if err != nil {
		return nil, withResource(err, u)
	}
	return h, nil
}

// Watch starts a non-recursive watch on u for callers that do not keep
// handles. At most one such watch exists per URI; watching an already
// watched URI is a no-op. A watch revoked by a provider change is
// re-established.
func (s *Service) Watch(ctx context.Context, u uri.URI) error {
	key := u.Key()

	s.legacyMu.Lock()
	defer s.legacyMu.Unlock()

	if h, ok := s.legacy[key]; ok {
		select {
		case <-h.Done():
			delete(s.legacy, key)
		default:
			return nil
		}
	}

	h, err := s.WatchFileChanges(ctx, u, nil)
	if err != nil {
		return err
	}
	s.legacy[key] = h
	return nil
}

// Unwatch stops the watch started by Watch on u. Unknown URIs are ignored.
func (s *Service) Unwatch(u uri.URI) error {
	key := u.Key()

	s.legacyMu.Lock()
	h, ok := s.legacy[key]
	delete(s.legacy, key)
	s.legacyMu.Unlock()

	if !ok {
		return nil
	}
	return h.Close()
}

// ActiveWatches returns the number of live provider-level watches.
func (s *Service) ActiveWatches() int {
	return s.watches.ActiveWatches()
}
