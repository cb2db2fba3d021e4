// Package memory implements an in-memory provider.
//
// All resources of the scheme live in one namespace keyed by
// uri.Location(), so "mem://a/b.txt" and "mem:///a/b.txt" address the same
// file. Root folders exist implicitly. Content is lost when the provider is
// closed or the process exits.
package memory

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/changefeed"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Capabilities of the memory provider.
const Capabilities = provider.CapRead | provider.CapWrite | provider.CapDelete |
	provider.CapMove | provider.CapCopy | provider.CapFolderCreate |
	provider.CapWatch | provider.CapStreamRead

// Config configures a memory provider.
type Config struct {
	// MaxSizeBytes caps the total size of stored file content.
	// 0 means unlimited.
	MaxSizeBytes int64 `mapstructure:"max_size_bytes" validate:"gte=0"`
}

type node struct {
	folder   bool
	data     []byte
	mtime    time.Time
	ctime    time.Time
	children map[string]struct{}
}

func newFolder(now time.Time) *node {
	return &node{folder: true, mtime: now, ctime: now, children: make(map[string]struct{})}
}

// Provider is an in-memory provider. Safe for concurrent use.
type Provider struct {
	cfg Config

	mu    sync.RWMutex
	nodes map[string]*node
	size  int64

	feed *changefeed.Feed
	now  func() time.Time
}

// New creates an empty memory provider.
func New(cfg Config) *Provider {
	p := &Provider{
		cfg:   cfg,
		nodes: make(map[string]*node),
		feed:  changefeed.New(),
		now:   time.Now,
	}
	p.nodes["/"] = newFolder(p.now())
	return p
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capability {
	return Capabilities
}

// Size returns the total bytes of stored file content.
func (p *Provider) Size() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// ============================================================================
// Read operations
// ============================================================================

// Stat implements provider.Provider.
func (p *Provider) Stat(ctx context.Context, u uri.URI) (provider.Stat, error) {
	if err := ctx.Err(); err != nil {
		return provider.Stat{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.lookup(u)
	if err != nil {
		return provider.Stat{}, err
	}
	return n.stat(), nil
}

// ReadDir implements provider.Provider.
func (p *Provider) ReadDir(ctx context.Context, u uri.URI) ([]provider.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.lookup(u)
	if err != nil {
		return nil, err
	}
	if !n.folder {
		return nil, files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
	}

	loc := u.Location()
	entries := make([]provider.DirEntry, 0, len(n.children))
	for name := range n.children {
		child := p.nodes[path.Join(loc, name)]
		entries = append(entries, provider.DirEntry{Name: name, Type: child.stat().Type})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadFile implements provider.Provider.
func (p *Provider) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.lookupFile(u)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(n.data), nil
}

// OpenReader implements provider.StreamReader over a snapshot of the file.
func (p *Provider) OpenReader(ctx context.Context, u uri.URI) (io.ReadCloser, error) {
	data, err := p.ReadFile(ctx, u)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
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

	loc := u.Location()
	existing, ok := p.nodes[loc]
	switch {
	case ok && existing.folder:
		return files.NewError(files.CodeFileIsFolder, u.String(), "a folder exists at this location")
	case ok && !opts.Overwrite:
		return files.NewError(files.CodeAlreadyExists, u.String(), "file already exists")
	case !ok && !opts.Create:
		return files.NewError(files.CodeNotFound, u.String(), "file not found")
	}

	var oldSize int64
	if ok {
		oldSize = int64(len(existing.data))
	}
	if err := p.checkCapacity(u, int64(len(data))-oldSize); err != nil {
		return err
	}

	now := p.now()
	if ok {
		existing.data = bytes.Clone(data)
		existing.mtime = now
		p.size += int64(len(data)) - oldSize
		p.feed.Emit(changefeed.Updated(loc))
		return nil
	}

	parent, err := p.parentFolder(u)
	if err != nil {
		return err
	}
	p.nodes[loc] = &node{data: bytes.Clone(data), mtime: now, ctime: now}
	parent.children[path.Base(loc)] = struct{}{}
	parent.mtime = now
	p.size += int64(len(data))
	p.feed.Emit(changefeed.Added(loc))
	return nil
}

// Mkdir implements provider.FolderCreator.
func (p *Provider) Mkdir(ctx context.Context, u uri.URI) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	loc := u.Location()
	if _, ok := p.nodes[loc]; ok {
		return files.NewError(files.CodeAlreadyExists, u.String(), "resource already exists")
	}
	parent, err := p.parentFolder(u)
	if err != nil {
		return err
	}

	now := p.now()
	p.nodes[loc] = newFolder(now)
	parent.children[path.Base(loc)] = struct{}{}
	parent.mtime = now
	p.feed.Emit(changefeed.Added(loc))
	return nil
}

// Delete implements provider.Deleter.
func (p *Provider) Delete(ctx context.Context, u uri.URI, opts files.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	loc := u.Location()
	if loc == "/" {
		return files.NewError(files.CodeInvalidArgument, u.String(), "cannot delete the root folder")
	}
	n, ok := p.nodes[loc]
	if !ok {
		return files.NewError(files.CodeNotFound, u.String(), "resource not found")
	}
	if n.folder && len(n.children) > 0 && !opts.Recursive {
		return files.NewError(files.CodeNotEmpty, u.String(), "folder is not empty")
	}

	p.removeTree(loc)
	p.feed.Emit(changefeed.Deleted(loc))
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

	p.mu.Lock()
	defer p.mu.Unlock()

	srcLoc, dstLoc := src.Location(), dst.Location()
	if srcLoc == dstLoc {
		return files.NewError(files.CodeInvalidArgument, dst.String(), "source and target are the same resource")
	}
	if strings.HasPrefix(dstLoc, srcLoc+"/") || srcLoc == "/" {
		return files.NewError(files.CodeInvalidArgument, dst.String(), "target is inside the source")
	}
	if _, ok := p.nodes[srcLoc]; !ok {
		return files.NewError(files.CodeNotFound, src.String(), "resource not found")
	}

	_, dstExists := p.nodes[dstLoc]
	if dstExists {
		if dstLoc == "/" || strings.HasPrefix(srcLoc, dstLoc+"/") {
			return files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source")
		}
		if !opts.Overwrite {
			return files.NewError(files.CodeAlreadyExists, dst.String(), "target already exists")
		}
	}
	if !move {
		delta := p.treeSize(srcLoc)
		if dstExists {
			delta -= p.treeSize(dstLoc)
		}
		if err := p.checkCapacity(dst, delta); err != nil {
			return err
		}
	}
	parent, err := p.parentFolder(dst)
	if err != nil {
		return err
	}

	changes := make([]changefeed.Change, 0, 3)
	if dstExists {
		p.removeTree(dstLoc)
		changes = append(changes, changefeed.Deleted(dstLoc))
	}

	now := p.now()
	p.cloneTree(srcLoc, dstLoc, now)
	parent.children[path.Base(dstLoc)] = struct{}{}
	parent.mtime = now
	if move {
		p.removeTree(srcLoc)
		changes = append(changes, changefeed.Deleted(srcLoc))
	}
	changes = append(changes, changefeed.Added(dstLoc))
	p.feed.Emit(changes...)
	return nil
}

// ============================================================================
// Watch
// ============================================================================

// Watch implements provider.Watcher.
func (p *Provider) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n provider.Notifier) (provider.Unwatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.feed.Watch(u, opts, n), nil
}

// Close drops all content and watches.
func (p *Provider) Close() error {
	p.feed.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = map[string]*node{"/": newFolder(p.now())}
	p.size = 0
	return nil
}

// ============================================================================
// Tree helpers (callers hold p.mu)
// ============================================================================

func (n *node) stat() provider.Stat {
	if n.folder {
		return provider.Stat{Type: files.FileTypeFolder, MTime: n.mtime, CTime: n.ctime}
	}
	return provider.Stat{Type: files.FileTypeFile, Size: int64(len(n.data)), MTime: n.mtime, CTime: n.ctime}
}

// lookup finds the node at u. Roots that were never written to exist as
// empty folders.
func (p *Provider) lookup(u uri.URI) (*node, error) {
	loc := u.Location()
	if n, ok := p.nodes[loc]; ok {
		return n, nil
	}
	if u.IsRoot() {
		return &node{folder: true}, nil
	}
	return nil, files.NewError(files.CodeNotFound, u.String(), "resource not found")
}

func (p *Provider) lookupFile(u uri.URI) (*node, error) {
	n, err := p.lookup(u)
	if err != nil {
		return nil, err
	}
	if n.folder {
		return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
	}
	return n, nil
}

// parentFolder returns the folder that holds u, materializing implicit
// roots on the way.
func (p *Provider) parentFolder(u uri.URI) (*node, error) {
	parent := u.Dir()
	if u.IsRoot() {
		// An authority root lives in the top-level folder.
		return p.ensureFolder(path.Dir(u.Location())), nil
	}
	if parent.IsRoot() {
		return p.ensureFolder(parent.Location()), nil
	}

	n, ok := p.nodes[parent.Location()]
	if !ok {
		return nil, files.NewError(files.CodeNotFound, parent.String(), "parent folder not found")
	}
	if !n.folder {
		return nil, files.NewError(files.CodeNotAFolder, parent.String(), "parent is not a folder")
	}
	return n, nil
}

// ensureFolder returns the folder at loc, creating it and its ancestors.
func (p *Provider) ensureFolder(loc string) *node {
	if n, ok := p.nodes[loc]; ok {
		return n
	}
	parent := p.ensureFolder(path.Dir(loc))
	n := newFolder(p.now())
	p.nodes[loc] = n
	parent.children[path.Base(loc)] = struct{}{}
	return n
}

// checkCapacity fails TooLarge when growing the content by delta would pass
// MaxSizeBytes.
func (p *Provider) checkCapacity(u uri.URI, delta int64) error {
	limit := p.cfg.MaxSizeBytes
	if limit > 0 && p.size+delta > limit {
		return files.NewError(files.CodeTooLarge, u.String(), "memory provider full: limit is %d bytes", limit)
	}
	return nil
}

func (p *Provider) treeSize(loc string) int64 {
	n := p.nodes[loc]
	total := int64(len(n.data))
	for name := range n.children {
		total += p.treeSize(path.Join(loc, name))
	}
	return total
}

// removeTree deletes loc and everything below it and unlinks it from its
// parent.
func (p *Provider) removeTree(loc string) {
	n, ok := p.nodes[loc]
	if !ok {
		return
	}
	for name := range n.children {
		p.removeTree(path.Join(loc, name))
	}
	if !n.folder {
		p.size -= int64(len(n.data))
	}
	delete(p.nodes, loc)

	if parent, ok := p.nodes[path.Dir(loc)]; ok {
		delete(parent.children, path.Base(loc))
		parent.mtime = p.now()
	}
}

// cloneTree copies the subtree at src to dst. Times of copied nodes are set
// to now.
func (p *Provider) cloneTree(src, dst string, now time.Time) {
	n := p.nodes[src]
	if !n.folder {
		p.nodes[dst] = &node{data: bytes.Clone(n.data), mtime: now, ctime: now}
		p.size += int64(len(n.data))
		return
	}

	clone := newFolder(now)
	p.nodes[dst] = clone
	for name := range n.children {
		clone.children[name] = struct{}{}
		p.cloneTree(path.Join(src, name), path.Join(dst, name), now)
	}
}
