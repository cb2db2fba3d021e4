// Package throttle rate-limits the requests a provider receives.
//
// Every provider call, including watch establishment, takes one token
// before it reaches the wrapped provider. Change notifications and reads
// from an already opened stream are not limited.
package throttle

import (
	"context"
	"io"

	"github.com/marmos91/dittovfs/internal/ratelimiter"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Provider wraps a provider with a rate limiter.
//
// It implements every optional provider interface, but only advertises the
// capabilities whose interfaces the wrapped provider implements, so callers
// that check capabilities never reach a missing method.
type Provider struct {
	inner   provider.Provider
	limiter *ratelimiter.RateLimiter
}

// New wraps p. A nil limiter admits everything.
func New(p provider.Provider, limiter *ratelimiter.RateLimiter) *Provider {
	if limiter == nil {
		limiter = ratelimiter.New(0, 0)
	}
	return &Provider{inner: p, limiter: limiter}
}

// Unwrap returns the wrapped provider.
func (t *Provider) Unwrap() provider.Provider {
	return t.inner
}

// Capabilities implements provider.Provider.
func (t *Provider) Capabilities() provider.Capability {
	caps := t.inner.Capabilities()
	drop := func(c provider.Capability, ok bool) {
		if !ok {
			caps &^= c
		}
	}
	_, ok := t.inner.(provider.FileWriter)
	drop(provider.CapWrite, ok)
	_, ok = t.inner.(provider.Deleter)
	drop(provider.CapDelete, ok)
	_, ok = t.inner.(provider.Renamer)
	drop(provider.CapMove, ok)
	_, ok = t.inner.(provider.Copier)
	drop(provider.CapCopy, ok)
	_, ok = t.inner.(provider.FolderCreator)
	drop(provider.CapFolderCreate, ok)
	_, ok = t.inner.(provider.Watcher)
	drop(provider.CapWatch, ok)
	_, ok = t.inner.(provider.StreamReader)
	drop(provider.CapStreamRead, ok)
	return caps
}

func (t *Provider) Stat(ctx context.Context, u uri.URI) (provider.Stat, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return provider.Stat{}, err
	}
	return t.inner.Stat(ctx, u)
}

func (t *Provider) ReadDir(ctx context.Context, u uri.URI) ([]provider.DirEntry, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ReadDir(ctx, u)
}

func (t *Provider) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ReadFile(ctx, u)
}

func (t *Provider) WriteFile(ctx context.Context, u uri.URI, data []byte, opts files.WriteOptions) error {
	w, ok := t.inner.(provider.FileWriter)
	if !ok {
		return unsupported(u, "write")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.WriteFile(ctx, u, data, opts)
}

func (t *Provider) Delete(ctx context.Context, u uri.URI, opts files.DeleteOptions) error {
	d, ok := t.inner.(provider.Deleter)
	if !ok {
		return unsupported(u, "delete")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.Delete(ctx, u, opts)
}

func (t *Provider) Mkdir(ctx context.Context, u uri.URI) error {
	m, ok := t.inner.(provider.FolderCreator)
	if !ok {
		return unsupported(u, "folder creation")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return m.Mkdir(ctx, u)
}

func (t *Provider) Rename(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	r, ok := t.inner.(provider.Renamer)
	if !ok {
		return unsupported(src, "move")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Rename(ctx, src, dst, opts)
}

func (t *Provider) Copy(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	c, ok := t.inner.(provider.Copier)
	if !ok {
		return unsupported(src, "copy")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.Copy(ctx, src, dst, opts)
}

func (t *Provider) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n provider.Notifier) (provider.Unwatch, error) {
	w, ok := t.inner.(provider.Watcher)
	if !ok {
		return nil, unsupported(u, "watch")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return w.Watch(ctx, u, opts, n)
}

func (t *Provider) OpenReader(ctx context.Context, u uri.URI) (io.ReadCloser, error) {
	s, ok := t.inner.(provider.StreamReader)
	if !ok {
		return nil, unsupported(u, "stream read")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.OpenReader(ctx, u)
}

// Activate is not limited.
func (t *Provider) Activate(ctx context.Context) error {
	if a, ok := t.inner.(provider.Activator); ok {
		return a.Activate(ctx)
	}
	return nil
}

func (t *Provider) Close() error {
	if c, ok := t.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func unsupported(u uri.URI, what string) error {
	return files.NewError(files.CodeCapabilityNotSupported, u.String(), "%s not supported", what)
}
