package provider

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// ReadOnly wraps p so that it only exposes read-side capabilities.
//
// The wrapper forwards Watch, OpenReader, Activate and Close when the
// wrapped provider implements them, and hides every mutating interface.
func ReadOnly(p Provider) Provider {
	return &readOnly{inner: p}
}

type readOnly struct {
	inner Provider
}

func (r *readOnly) Capabilities() Capability {
	return r.inner.Capabilities().WithoutMutations()
}

func (r *readOnly) Stat(ctx context.Context, u uri.URI) (Stat, error) {
	return r.inner.Stat(ctx, u)
}

func (r *readOnly) ReadDir(ctx context.Context, u uri.URI) ([]DirEntry, error) {
	return r.inner.ReadDir(ctx, u)
}

func (r *readOnly) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	return r.inner.ReadFile(ctx, u)
}

func (r *readOnly) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n Notifier) (Unwatch, error) {
	w, ok := r.inner.(Watcher)
	if !ok {
		return nil, files.NewError(files.CodeCapabilityNotSupported, u.String(), "watch not supported")
	}
	return w.Watch(ctx, u, opts, n)
}

func (r *readOnly) OpenReader(ctx context.Context, u uri.URI) (io.ReadCloser, error) {
	s, ok := r.inner.(StreamReader)
	if !ok {
		return nil, files.NewError(files.CodeCapabilityNotSupported, u.String(), "stream read not supported")
	}
	return s.OpenReader(ctx, u)
}

func (r *readOnly) Activate(ctx context.Context) error {
	if a, ok := r.inner.(Activator); ok {
		return a.Activate(ctx)
	}
	return nil
}

func (r *readOnly) Close() error {
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Excluded reports whether rel (a slash path relative to the watched
// resource) matches any of the exclude patterns. Patterns use path.Match
// syntax and are tried against the full relative path and each of its
// elements, so "node_modules" excludes the whole subtree.
func Excluded(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return false
	}
	rel = strings.TrimPrefix(rel, "/")
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		for _, elem := range strings.Split(rel, "/") {
			if ok, _ := path.Match(p, elem); ok {
				return true
			}
		}
	}
	return false
}

// InScope reports whether changed falls under a watch on root: root itself,
// a direct child, or (when recursive) any descendant.
func InScope(root, changed uri.URI, recursive bool) bool {
	if !root.IsEqualOrParent(changed) {
		return false
	}
	if recursive || changed.Equal(root) {
		return true
	}
	return changed.Dir().Equal(root)
}

// RelPath returns the path of changed relative to root, without a leading
// slash. changed must be below root.
func RelPath(root, changed uri.URI) string {
	base := root.Path()
	if base == "" {
		base = "/"
	}
	rel := strings.TrimPrefix(changed.Path(), base)
	return strings.TrimPrefix(rel, "/")
}
