// Package changefeed fans provider mutations out to provider-level watches.
//
// Providers without a native notification source (memory, badger, billy)
// report each mutation to a Feed; the Feed delivers it, in mutation order, to
// every watch whose scope covers the changed location. Delivery happens on a
// dedicated goroutine so a slow Notifier never blocks a mutation.
package changefeed

import (
	"path"
	"strings"
	"sync"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Change is one mutation, addressed by the provider's flat location
// (uri.Location form: rooted, slash separated).
type Change struct {
	Type     files.ChangeType
	Location string
}

// Added, Updated and Deleted build a Change.
func Added(loc string) Change { return Change{Type: files.ChangeAdded, Location: loc} }
func Updated(loc string) Change { return Change{Type: files.ChangeUpdated, Location: loc} }
func Deleted(loc string) Change { return Change{Type: files.ChangeDeleted, Location: loc} }

type watcher struct {
	root      uri.URI
	rootLoc   string
	recursive bool
	excludes  []string
	notifier  provider.Notifier
}

// Feed is safe for concurrent use. The zero value is not usable; call New.
type Feed struct {
	mu       sync.Mutex
	watchers map[uint64]*watcher
	nextID   uint64
	queue    [][]Change
	wake     chan struct{}
	done     chan struct{}
	running  bool
	closed   bool
}

// New creates an idle Feed. The delivery goroutine starts with the first
// watch and stops on Close.
func New() *Feed {
	return &Feed{
		watchers: make(map[uint64]*watcher),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Watch registers n for changes at or below root.Location(). The returned
// Unwatch is idempotent.
func (f *Feed) Watch(root uri.URI, opts files.WatchOptions, n provider.Notifier) provider.Unwatch {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}

	f.nextID++
	id := f.nextID
	f.watchers[id] = &watcher{
		root:      root,
		rootLoc:   root.Location(),
		recursive: opts.Recursive,
		excludes:  opts.Excludes,
		notifier:  n,
	}
	if !f.running {
		f.running = true
		go f.run()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}
}

// Emit queues one batch. Batches are dropped while nobody watches.
func (f *Feed) Emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}

	f.mu.Lock()
	if f.closed || len(f.watchers) == 0 {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, changes)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Watching returns the number of registered watches.
func (f *Feed) Watching() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// Close drops all watches and pending batches and stops delivery.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.watchers = make(map[uint64]*watcher)
	f.queue = nil
	close(f.done)
}

func (f *Feed) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			if f.closed || len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			batch := f.queue[0]
			f.queue = f.queue[1:]
			targets := make([]*watcher, 0, len(f.watchers))
			for _, w := range f.watchers {
				targets = append(targets, w)
			}
			f.mu.Unlock()

			for _, w := range targets {
				if changes := w.filter(batch); len(changes) > 0 {
					w.notifier.NotifyChanges(changes)
				}
			}
		}
	}
}

// filter keeps the changes inside the watch scope, addressed relative to the
// watched URI.
func (w *watcher) filter(batch []Change) []files.FileChange {
	var out []files.FileChange
	for _, c := range batch {
		rel, ok := Relative(w.rootLoc, c.Location)
		if !ok {
			continue
		}
		if !w.recursive && strings.Contains(rel, "/") {
			continue
		}
		if rel != "" && provider.Excluded(w.excludes, rel) {
			continue
		}
		resource := w.root
		if rel != "" {
			resource = w.root.Join(rel)
		}
		out = append(out, files.FileChange{Type: c.Type, Resource: resource})
	}
	return out
}

// Relative returns loc relative to root ("" for root itself) and whether
// loc is at or below root.
func Relative(root, loc string) (string, bool) {
	root = path.Clean("/" + root)
	loc = path.Clean("/" + loc)
	if root == loc {
		return "", true
	}
	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(loc, prefix) {
		return "", false
	}
	return strings.TrimPrefix(loc, prefix), true
}
