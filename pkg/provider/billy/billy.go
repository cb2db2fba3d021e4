// Package billy implements a provider over a go-billy filesystem, either
// the in-memory memfs or an osfs rooted at a local directory.
//
// Watches only observe mutations made through the provider.
package billy

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/changefeed"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Capabilities of the billy provider.
const Capabilities = provider.CapRead | provider.CapWrite | provider.CapDelete |
	provider.CapMove | provider.CapCopy | provider.CapFolderCreate |
	provider.CapWatch | provider.CapStreamRead

// Backend selects the billy filesystem implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendOS     Backend = "os"
)

// Config configures a billy provider.
type Config struct {
	// Backend is "memory" (memfs) or "os" (osfs).
	// Default: memory
	Backend Backend `mapstructure:"backend" validate:"omitempty,oneof=memory os"`

	// Root is the local directory served by the os backend.
	Root string `mapstructure:"root" validate:"required_if=Backend os"`
}

// Provider serves resources from a billy.Filesystem.
type Provider struct {
	bfs  billy.Filesystem
	feed *changefeed.Feed

	// mu serializes mutations so change notifications keep their order
	mu sync.Mutex
}

// New creates a billy provider for cfg.
func New(cfg Config) (*Provider, error) {
	var bfs billy.Filesystem
	switch cfg.Backend {
	case "", BackendMemory:
		bfs = memfs.New()
	case BackendOS:
		if cfg.Root == "" {
			return nil, files.NewError(files.CodeInvalidArgument, "", "billy os backend requires a root directory")
		}
		bfs = osfs.New(cfg.Root)
	default:
		return nil, files.NewError(files.CodeInvalidArgument, "", "unknown billy backend %q", cfg.Backend)
	}
	return Wrap(bfs), nil
}

// Wrap serves an existing billy filesystem.
func Wrap(bfs billy.Filesystem) *Provider {
	return &Provider{bfs: bfs, feed: changefeed.New()}
}

// Unwrap returns the underlying billy.Filesystem.
func (p *Provider) Unwrap() billy.Filesystem {
	return p.bfs
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capability {
	return Capabilities
}

// Close drops all watches.
func (p *Provider) Close() error {
	p.feed.Close()
	return nil
}

// ============================================================================
// Read operations
// ============================================================================

// Stat implements provider.Provider.
func (p *Provider) Stat(ctx context.Context, u uri.URI) (provider.Stat, error) {
	if err := ctx.Err(); err != nil {
		return provider.Stat{}, err
	}
	info, err := p.bfs.Stat(u.Location())
	if err != nil {
		return provider.Stat{}, mapError(u, err)
	}
	return toStat(info), nil
}

// ReadDir implements provider.Provider.
func (p *Provider) ReadDir(ctx context.Context, u uri.URI) ([]provider.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.requireFolder(u); err != nil {
		return nil, err
	}
	infos, err := p.bfs.ReadDir(u.Location())
	if err != nil {
		return nil, mapError(u, err)
	}

	entries := make([]provider.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, provider.DirEntry{Name: info.Name(), Type: fileType(info)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadFile implements provider.Provider.
func (p *Provider) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	rc, err := p.OpenReader(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, mapError(u, err)
	}
	return data, nil
}

// OpenReader implements provider.StreamReader.
func (p *Provider) OpenReader(ctx context.Context, u uri.URI) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := p.bfs.Stat(u.Location())
	if err != nil {
		return nil, mapError(u, err)
	}
	if info.IsDir() {
		return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
	}
	f, err := p.bfs.Open(u.Location())
	if err != nil {
		return nil, mapError(u, err)
	}
	return f, nil
}

// ============================================================================
// Write operations
// ============================================================================

// WriteFile implements provider.FileWriter.
func (p *Provider) WriteFile(ctx context.Context, u uri.URI, data []byte, opts files.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkParent(u); err != nil {
		return err
	}
	change := changefeed.Updated(u.Location())
	info, err := p.bfs.Stat(u.Location())
	switch {
	case err == nil && info.IsDir():
		return files.NewError(files.CodeFileIsFolder, u.String(), "a folder exists at this location")
	case err == nil && !opts.Overwrite:
		return files.NewError(files.CodeAlreadyExists, u.String(), "file already exists")
	case err != nil && !os.IsNotExist(err):
		return mapError(u, err)
	case err != nil && !opts.Create:
		return files.NewError(files.CodeNotFound, u.String(), "file not found")
	case err != nil:
		change = changefeed.Added(u.Location())
	}

	if err := p.write(u.Location(), data); err != nil {
		return mapError(u, err)
	}
	p.feed.Emit(change)
	return nil
}

func (p *Provider) write(name string, data []byte) error {
	f, err := p.bfs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Mkdir implements provider.FolderCreator.
func (p *Provider) Mkdir(ctx context.Context, u uri.URI) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkParent(u); err != nil {
		return err
	}
	if _, err := p.bfs.Stat(u.Location()); err == nil {
		return files.NewError(files.CodeAlreadyExists, u.String(), "resource already exists")
	}
	if err := p.bfs.MkdirAll(u.Location(), 0o755); err != nil {
		return mapError(u, err)
	}
	p.feed.Emit(changefeed.Added(u.Location()))
	return nil
}

// Delete implements provider.Deleter.
func (p *Provider) Delete(ctx context.Context, u uri.URI, opts files.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.Location() == "/" {
		return files.NewError(files.CodeInvalidArgument, u.String(), "cannot delete the root folder")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.bfs.Stat(u.Location())
	if err != nil {
		return mapError(u, err)
	}
	if info.IsDir() && !opts.Recursive {
		children, err := p.bfs.ReadDir(u.Location())
		if err != nil {
			return mapError(u, err)
		}
		if len(children) > 0 {
			return files.NewError(files.CodeNotEmpty, u.String(), "folder is not empty")
		}
	}

	if err := p.removeAll(u.Location()); err != nil {
		return mapError(u, err)
	}
	p.feed.Emit(changefeed.Deleted(u.Location()))
	return nil
}

// Rename implements provider.Renamer.
func (p *Provider) Rename(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	return p.transfer(ctx, src, dst, opts, true)
}

// Copy implements provider.Copier.
func (p *Provider) Copy(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	return p.transfer(ctx, src, dst, opts, false)
}

func (p *Provider) transfer(ctx context.Context, src, dst uri.URI, opts files.MoveOptions, move bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcLoc, dstLoc := src.Location(), dst.Location()
	if srcLoc == dstLoc {
		return files.NewError(files.CodeInvalidArgument, dst.String(), "source and target are the same resource")
	}
	if srcLoc == "/" || strings.HasPrefix(dstLoc, srcLoc+"/") {
		return files.NewError(files.CodeInvalidArgument, dst.String(), "target is inside the source")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.bfs.Stat(srcLoc)
	if err != nil {
		return mapError(src, err)
	}
	if err := p.checkParent(dst); err != nil {
		return err
	}

	changes := make([]changefeed.Change, 0, 3)
	if _, err := p.bfs.Stat(dstLoc); err == nil {
		if dstLoc == "/" || strings.HasPrefix(srcLoc, dstLoc+"/") {
			return files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source")
		}
		if !opts.Overwrite {
			return files.NewError(files.CodeAlreadyExists, dst.String(), "target already exists")
		}
		if err := p.removeAll(dstLoc); err != nil {
			return mapError(dst, err)
		}
		changes = append(changes, changefeed.Deleted(dstLoc))
	}

	if move {
		if err := p.bfs.Rename(srcLoc, dstLoc); err != nil {
			return mapError(src, err)
		}
		changes = append(changes, changefeed.Deleted(srcLoc))
	} else if err := p.copyTree(srcLoc, info, dstLoc); err != nil {
		return mapError(dst, err)
	}

	p.feed.Emit(append(changes, changefeed.Added(dstLoc))...)
	return nil
}

// Watch implements provider.Watcher.
func (p *Provider) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n provider.Notifier) (provider.Unwatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.feed.Watch(u, opts, n), nil
}

// ============================================================================
// Helpers
// ============================================================================

func (p *Provider) requireFolder(u uri.URI) error {
	info, err := p.bfs.Stat(u.Location())
	if err != nil {
		return mapError(u, err)
	}
	if !info.IsDir() {
		return files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
	}
	return nil
}

// checkParent verifies the parent of u is an existing folder. Parents that
// are roots are created on demand.
func (p *Provider) checkParent(u uri.URI) error {
	parent := path.Dir(u.Location())
	if u.IsRoot() || u.Dir().IsRoot() {
		if err := p.bfs.MkdirAll(parent, 0o755); err != nil {
			return mapError(u.Dir(), err)
		}
		return nil
	}

	info, err := p.bfs.Stat(parent)
	if os.IsNotExist(err) {
		return files.NewError(files.CodeNotFound, u.Dir().String(), "parent folder not found")
	}
	if err != nil {
		return mapError(u.Dir(), err)
	}
	if !info.IsDir() {
		return files.NewError(files.CodeNotAFolder, u.Dir().String(), "parent is not a folder")
	}
	return nil
}

// removeAll removes name and its subtree; billy has no RemoveAll.
func (p *Provider) removeAll(name string) error {
	info, err := p.bfs.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		entries, err := p.bfs.ReadDir(name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := p.removeAll(path.Join(name, e.Name())); err != nil {
				return err
			}
		}
	}
	return p.bfs.Remove(name)
}

func (p *Provider) copyTree(src string, info fs.FileInfo, dst string) error {
	if !info.IsDir() {
		return p.copyFile(src, dst)
	}
	if err := p.bfs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := p.bfs.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := p.copyTree(path.Join(src, e.Name()), e, path.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) copyFile(src, dst string) error {
	in, err := p.bfs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := p.bfs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func fileType(info fs.FileInfo) files.FileType {
	switch {
	case info.IsDir():
		return files.FileTypeFolder
	case info.Mode()&fs.ModeSymlink != 0:
		return files.FileTypeSymlink
	default:
		return files.FileTypeFile
	}
}

func toStat(info fs.FileInfo) provider.Stat {
	st := provider.Stat{
		Type:  fileType(info),
		MTime: info.ModTime(),
		CTime: info.ModTime(),
	}
	if !info.IsDir() {
		st.Size = info.Size()
	}
	return st
}

func mapError(u uri.URI, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return files.WrapError(files.CodeNotFound, u.String(), err)
	case errors.Is(err, fs.ErrExist):
		return files.WrapError(files.CodeAlreadyExists, u.String(), err)
	default:
		return files.WrapError(files.CodeProviderInternal, u.String(), err)
	}
}
