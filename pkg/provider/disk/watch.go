package disk

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Watch implements provider.Watcher with one fsnotify watcher per call.
//
// A recursive watch adds every directory below the resource, and every
// directory created later. Events that are already queued are delivered as
// one batch.
func (p *Provider) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n provider.Notifier) (provider.Unwatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := p.path(u)
	info, err := os.Stat(root)
	if err != nil {
		return nil, mapError(u, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, files.WrapError(files.CodeProviderInternal, u.String(), err)
	}

	w := &diskWatch{
		resource: u,
		root:     root,
		opts:     opts,
		notifier: n,
		fsw:      fw,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, mapError(u, err)
	}
	if opts.Recursive && info.IsDir() {
		if err := w.addTree(root); err != nil {
			_ = fw.Close()
			return nil, mapError(u, err)
		}
	}

	if !p.watches.add(w) {
		_ = fw.Close()
		return nil, files.NewError(files.CodeProviderUnavailable, u.String(), "disk provider closed")
	}
	go w.run()

	logger.Debug("fsnotify watch started on %s (recursive=%t)", root, opts.Recursive)
	return func() {
		p.watches.remove(w)
		w.stop()
	}, nil
}

// watchSet tracks running watches so Close can stop them.
type watchSet struct {
	mu      sync.Mutex
	watches map[*diskWatch]struct{}
	closed  bool
}

func newWatchSet() *watchSet {
	return &watchSet{watches: make(map[*diskWatch]struct{})}
}

func (s *watchSet) add(w *diskWatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.watches[w] = struct{}{}
	return true
}

func (s *watchSet) remove(w *diskWatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watches, w)
}

func (s *watchSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	watches := s.watches
	s.watches = make(map[*diskWatch]struct{})
	s.mu.Unlock()

	for w := range watches {
		w.stop()
	}
}

type diskWatch struct {
	resource uri.URI
	root     string
	opts     files.WatchOptions
	notifier provider.Notifier
	fsw      *fsnotify.Watcher

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

// stop ends the watch and waits until no delivery is in progress.
func (w *diskWatch) stop() {
	w.once.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		<-w.exited
		logger.Debug("fsnotify watch on %s stopped", w.root)
	})
}

func (w *diskWatch) run() {
	defer close(w.exited)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			batch := w.translate(nil, ev)
			batch = w.drainQueued(batch)
			if len(batch) == 0 {
				continue
			}
			select {
			case <-w.done:
				return
			default:
				w.notifier.NotifyChanges(batch)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("fsnotify overflow on %s: changes were lost", w.root)
			}
			w.notifier.NotifyError(err)
		}
	}
}

// drainQueued appends the events already waiting in the fsnotify queue.
func (w *diskWatch) drainQueued(batch []files.FileChange) []files.FileChange {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return batch
			}
			batch = w.translate(batch, ev)
		default:
			return batch
		}
	}
}

// translate maps one fsnotify event onto the watch scope.
func (w *diskWatch) translate(batch []files.FileChange, ev fsnotify.Event) []files.FileChange {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || !filepath.IsLocal(rel) && rel != "." {
		return batch
	}
	rel = filepath.ToSlash(rel)
	if rel != "." && provider.Excluded(w.opts.Excludes, rel) {
		return batch
	}

	resource := w.resource
	if rel != "." {
		resource = w.resource.Join(rel)
	}

	var ct files.ChangeType
	switch {
	case ev.Has(fsnotify.Create):
		ct = files.ChangeAdded
		if w.opts.Recursive {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := w.addTree(ev.Name); err != nil {
					w.notifier.NotifyError(err)
				}
			}
		}
	case ev.Has(fsnotify.Write):
		ct = files.ChangeUpdated
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		ct = files.ChangeDeleted
	default:
		// Chmod only.
		return batch
	}
	return append(batch, files.FileChange{Type: ct, Resource: resource})
}

// addTree watches dir and every directory below it.
func (w *diskWatch) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries vanishing during the walk are not fatal.
			return nil
		}
		if !d.IsDir() || path == w.root {
			return nil
		}
		if rel, err := filepath.Rel(w.root, path); err == nil && provider.Excluded(w.opts.Excludes, filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}
