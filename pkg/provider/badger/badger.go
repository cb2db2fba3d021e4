// Package badger implements a persistent provider on BadgerDB.
//
// The tree is stored as UUID-identified nodes linked by child entries (see
// keys.go). All resources of the scheme share one namespace keyed by
// uri.Location(); roots exist implicitly. The database is opened on
// activation and closed with the provider.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/changefeed"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Capabilities of the badger provider.
const Capabilities = provider.CapRead | provider.CapWrite | provider.CapDelete |
	provider.CapMove | provider.CapCopy | provider.CapFolderCreate | provider.CapWatch

// Config configures a badger provider.
type Config struct {
	// DBPath is the directory where BadgerDB keeps its files.
	// Ignored when InMemory is set.
	DBPath string `mapstructure:"db_path" validate:"required_without=InMemory"`

	// InMemory keeps the database in memory only.
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB.
	// Default: 64
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb" validate:"gte=0"`
}

// record is the JSON value of a node key.
type record struct {
	ID     uuid.UUID `json:"id"`
	Folder bool      `json:"folder"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
	CTime  time.Time `json:"ctime"`
}

func (r *record) stat() provider.Stat {
	t := files.FileTypeFile
	if r.Folder {
		t = files.FileTypeFolder
	}
	return provider.Stat{Type: t, Size: r.Size, MTime: r.MTime, CTime: r.CTime}
}

// Provider stores resources in BadgerDB.
//
// Thread Safety:
// Reads run in concurrent read-only transactions. Mutations are serialized
// by mu so transactions never conflict and change notifications keep
// mutation order.
type Provider struct {
	cfg Config

	mu   sync.RWMutex
	db   *badgerdb.DB
	root uuid.UUID

	feed *changefeed.Feed
	now  func() time.Time
}

// New creates a badger provider. The database is opened by Activate.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg, feed: changefeed.New(), now: time.Now}
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capability {
	return Capabilities
}

// Activate implements provider.Activator: it opens the database and creates
// the root folder on first use.
func (p *Provider) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	opts := badgerdb.DefaultOptions(p.cfg.DBPath)
	if p.cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	blockCacheMB := p.cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	opts = opts.WithLoggingLevel(badgerdb.WARNING).
		WithCompression(options.None).
		WithBlockCacheSize(blockCacheMB << 20)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open BadgerDB at %s: %w", p.cfg.DBPath, err)
	}

	var root uuid.UUID
	err = db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keyRoot))
		if err == nil {
			return item.Value(func(val []byte) error {
				root, err = uuid.FromBytes(val)
				return err
			})
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		rec := p.newRecord(true)
		root = rec.ID
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set([]byte(keyRoot), root[:])
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize BadgerDB root: %w", err)
	}

	p.db = db
	p.root = root
	logger.Info("Badger provider opened (path=%q, in_memory=%t)", p.cfg.DBPath, p.cfg.InMemory)
	return nil
}

// Close closes the database and drops all watches.
func (p *Provider) Close() error {
	p.feed.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Provider) newRecord(folder bool) *record {
	now := p.now()
	return &record{ID: uuid.New(), Folder: folder, MTime: now, CTime: now}
}

// view runs fn in a read-only transaction.
func (p *Provider) view(ctx context.Context, u uri.URI, fn func(txn *badgerdb.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return files.NewError(files.CodeProviderUnavailable, u.String(), "badger provider is not active")
	}
	return p.db.View(fn)
}

// update runs fn in a read-write transaction and emits its changes after
// commit.
func (p *Provider) update(ctx context.Context, u uri.URI, fn func(txn *badgerdb.Txn) ([]changefeed.Change, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return files.NewError(files.CodeProviderUnavailable, u.String(), "badger provider is not active")
	}

	var changes []changefeed.Change
	err := p.db.Update(func(txn *badgerdb.Txn) error {
		var err error
		changes, err = fn(txn)
		return err
	})
	if err != nil {
		return err
	}
	p.feed.Emit(changes...)
	return nil
}

// ============================================================================
// Read operations
// ============================================================================

// Stat implements provider.Provider.
func (p *Provider) Stat(ctx context.Context, u uri.URI) (provider.Stat, error) {
	var st provider.Stat
	err := p.view(ctx, u, func(txn *badgerdb.Txn) error {
		rec, err := p.resolve(txn, u)
		if err != nil {
			return err
		}
		st = rec.stat()
		return nil
	})
	return st, err
}

// ReadDir implements provider.Provider.
func (p *Provider) ReadDir(ctx context.Context, u uri.URI) ([]provider.DirEntry, error) {
	var entries []provider.DirEntry
	err := p.view(ctx, u, func(txn *badgerdb.Txn) error {
		rec, err := p.resolve(txn, u)
		if err != nil {
			return err
		}
		if !rec.Folder {
			return files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
		}
		children, err := listChildren(txn, rec.ID)
		if err != nil {
			return err
		}
		entries = make([]provider.DirEntry, 0, len(children))
		for _, c := range children {
			child, err := getRecord(txn, c.id)
			if err != nil {
				return err
			}
			entries = append(entries, provider.DirEntry{Name: c.name, Type: child.stat().Type})
		}
		return nil
	})
	return entries, err
}

// ReadFile implements provider.Provider.
func (p *Provider) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	var data []byte
	err := p.view(ctx, u, func(txn *badgerdb.Txn) error {
		rec, err := p.resolve(txn, u)
		if err != nil {
			return err
		}
		if rec.Folder {
			return files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
		}
		item, err := txn.Get(keyData(rec.ID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			data = []byte{}
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// ============================================================================
// Write operations
// ============================================================================

// WriteFile implements provider.FileWriter.
func (p *Provider) WriteFile(ctx context.Context, u uri.URI, data []byte, opts files.WriteOptions) error {
	return p.update(ctx, u, func(txn *badgerdb.Txn) ([]changefeed.Change, error) {
		parent, err := p.parent(txn, u)
		if err != nil {
			return nil, err
		}
		name := u.Base()

		existing, err := lookupChild(txn, parent.ID, name)
		if err != nil && !files.IsCode(err, files.CodeNotFound) {
			return nil, err
		}
		switch {
		case existing != nil && existing.Folder:
			return nil, files.NewError(files.CodeFileIsFolder, u.String(), "a folder exists at this location")
		case existing != nil && !opts.Overwrite:
			return nil, files.NewError(files.CodeAlreadyExists, u.String(), "file already exists")
		case existing == nil && !opts.Create:
			return nil, files.NewError(files.CodeNotFound, u.String(), "file not found")
		}

		rec := existing
		change := changefeed.Updated(u.Location())
		if rec == nil {
			rec = p.newRecord(false)
			if err := txn.Set(keyChild(parent.ID, name), rec.ID[:]); err != nil {
				return nil, err
			}
			change = changefeed.Added(u.Location())
		}
		rec.Size = int64(len(data))
		rec.MTime = p.now()
		if err := putRecord(txn, rec); err != nil {
			return nil, err
		}
		if err := txn.Set(keyData(rec.ID), data); err != nil {
			return nil, err
		}
		return []changefeed.Change{change}, nil
	})
}

// Mkdir implements provider.FolderCreator.
func (p *Provider) Mkdir(ctx context.Context, u uri.URI) error {
	return p.update(ctx, u, func(txn *badgerdb.Txn) ([]changefeed.Change, error) {
		parent, err := p.parent(txn, u)
		if err != nil {
			return nil, err
		}
		name := u.Base()
		if _, err := childID(txn, parent.ID, name); err == nil {
			return nil, files.NewError(files.CodeAlreadyExists, u.String(), "resource already exists")
		}

		rec := p.newRecord(true)
		if err := putRecord(txn, rec); err != nil {
			return nil, err
		}
		if err := txn.Set(keyChild(parent.ID, name), rec.ID[:]); err != nil {
			return nil, err
		}
		return []changefeed.Change{changefeed.Added(u.Location())}, nil
	})
}

// Delete implements provider.Deleter.
func (p *Provider) Delete(ctx context.Context, u uri.URI, opts files.DeleteOptions) error {
	return p.update(ctx, u, func(txn *badgerdb.Txn) ([]changefeed.Change, error) {
		if u.Location() == "/" {
			return nil, files.NewError(files.CodeInvalidArgument, u.String(), "cannot delete the root folder")
		}
		parent, err := p.resolveLoc(txn, u, parentLoc(u.Location()))
		if err != nil {
			return nil, err
		}
		rec, err := lookupChild(txn, parent.ID, u.Base())
		if err != nil {
			return nil, files.NewError(files.CodeNotFound, u.String(), "resource not found")
		}
		if rec.Folder && !opts.Recursive {
			children, err := listChildren(txn, rec.ID)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				return nil, files.NewError(files.CodeNotEmpty, u.String(), "folder is not empty")
			}
		}

		if err := deleteTree(txn, rec); err != nil {
			return nil, err
		}
		if err := txn.Delete(keyChild(parent.ID, u.Base())); err != nil {
			return nil, err
		}
		return []changefeed.Change{changefeed.Deleted(u.Location())}, nil
	})
}

// Rename implements provider.Renamer by relinking the source node.
func (p *Provider) Rename(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	return p.transfer(ctx, src, dst, opts, true)
}

// Copy implements provider.Copier by cloning the source subtree.
func (p *Provider) Copy(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	return p.transfer(ctx, src, dst, opts, false)
}

func (p *Provider) transfer(ctx context.Context, src, dst uri.URI, opts files.MoveOptions, move bool) error {
	return p.update(ctx, src, func(txn *badgerdb.Txn) ([]changefeed.Change, error) {
		srcLoc, dstLoc := src.Location(), dst.Location()
		if srcLoc == dstLoc {
			return nil, files.NewError(files.CodeInvalidArgument, dst.String(), "source and target are the same resource")
		}
		if srcLoc == "/" || strings.HasPrefix(dstLoc, srcLoc+"/") {
			return nil, files.NewError(files.CodeInvalidArgument, dst.String(), "target is inside the source")
		}
		if dstLoc == "/" {
			return nil, files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source")
		}

		srcParent, err := p.resolveLoc(txn, src, parentLoc(srcLoc))
		if err != nil {
			return nil, err
		}
		rec, err := lookupChild(txn, srcParent.ID, src.Base())
		if err != nil {
			return nil, files.NewError(files.CodeNotFound, src.String(), "resource not found")
		}

		dstParent, err := p.parent(txn, dst)
		if err != nil {
			return nil, err
		}
		changes := make([]changefeed.Change, 0, 3)
		if existing, err := lookupChild(txn, dstParent.ID, dst.Base()); err == nil {
			if strings.HasPrefix(srcLoc, dstLoc+"/") {
				return nil, files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source")
			}
			if !opts.Overwrite {
				return nil, files.NewError(files.CodeAlreadyExists, dst.String(), "target already exists")
			}
			if err := deleteTree(txn, existing); err != nil {
				return nil, err
			}
			changes = append(changes, changefeed.Deleted(dstLoc))
		}

		id := rec.ID
		if move {
			if err := txn.Delete(keyChild(srcParent.ID, src.Base())); err != nil {
				return nil, err
			}
			changes = append(changes, changefeed.Deleted(srcLoc))
		} else {
			if id, err = p.cloneTree(txn, rec); err != nil {
				return nil, err
			}
		}
		if err := txn.Set(keyChild(dstParent.ID, dst.Base()), id[:]); err != nil {
			return nil, err
		}
		return append(changes, changefeed.Added(dstLoc)), nil
	})
}

// Watch implements provider.Watcher.
func (p *Provider) Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n provider.Notifier) (provider.Unwatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.feed.Watch(u, opts, n), nil
}

// ============================================================================
// Tree helpers
// ============================================================================

type child struct {
	name string
	id   uuid.UUID
}

func parentLoc(loc string) string {
	i := strings.LastIndex(loc, "/")
	if i <= 0 {
		return "/"
	}
	return loc[:i]
}

func splitLoc(loc string) []string {
	loc = strings.Trim(loc, "/")
	if loc == "" {
		return nil
	}
	return strings.Split(loc, "/")
}

// resolve finds the node of u. Roots that were never written to exist as
// empty folders.
func (p *Provider) resolve(txn *badgerdb.Txn, u uri.URI) (*record, error) {
	rec, err := p.resolveLoc(txn, u, u.Location())
	if files.IsCode(err, files.CodeNotFound) && u.IsRoot() {
		return &record{Folder: true}, nil
	}
	return rec, err
}

func (p *Provider) resolveLoc(txn *badgerdb.Txn, u uri.URI, loc string) (*record, error) {
	cur, err := getRecord(txn, p.root)
	if err != nil {
		return nil, err
	}
	for _, seg := range splitLoc(loc) {
		if !cur.Folder {
			return nil, files.NewError(files.CodeNotFound, u.String(), "resource not found")
		}
		next, err := lookupChild(txn, cur.ID, seg)
		if err != nil {
			return nil, files.NewError(files.CodeNotFound, u.String(), "resource not found")
		}
		cur = next
	}
	return cur, nil
}

// parent returns the folder that holds u, materializing implicit roots.
func (p *Provider) parent(txn *badgerdb.Txn, u uri.URI) (*record, error) {
	loc := parentLoc(u.Location())
	if u.IsRoot() || u.Dir().IsRoot() {
		return p.ensureFolder(txn, loc)
	}

	rec, err := p.resolveLoc(txn, u, loc)
	if err != nil {
		return nil, files.NewError(files.CodeNotFound, u.Dir().String(), "parent folder not found")
	}
	if !rec.Folder {
		return nil, files.NewError(files.CodeNotAFolder, u.Dir().String(), "parent is not a folder")
	}
	return rec, nil
}

// ensureFolder returns the folder at loc, creating it and its ancestors.
func (p *Provider) ensureFolder(txn *badgerdb.Txn, loc string) (*record, error) {
	cur, err := getRecord(txn, p.root)
	if err != nil {
		return nil, err
	}
	for _, seg := range splitLoc(loc) {
		next, err := lookupChild(txn, cur.ID, seg)
		switch {
		case err == nil && !next.Folder:
			return nil, files.NewError(files.CodeNotAFolder, loc, "a file exists on the folder path")
		case err == nil:
			cur = next
			continue
		case !files.IsCode(err, files.CodeNotFound):
			return nil, err
		}

		rec := p.newRecord(true)
		if err := putRecord(txn, rec); err != nil {
			return nil, err
		}
		if err := txn.Set(keyChild(cur.ID, seg), rec.ID[:]); err != nil {
			return nil, err
		}
		cur = rec
	}
	return cur, nil
}

func childID(txn *badgerdb.Txn, parent uuid.UUID, name string) (uuid.UUID, error) {
	item, err := txn.Get(keyChild(parent, name))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return uuid.Nil, files.NewError(files.CodeNotFound, name, "resource not found")
	}
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	err = item.Value(func(val []byte) error {
		id, err = uuid.FromBytes(val)
		return err
	})
	return id, err
}

func lookupChild(txn *badgerdb.Txn, parent uuid.UUID, name string) (*record, error) {
	id, err := childID(txn, parent, name)
	if err != nil {
		return nil, err
	}
	return getRecord(txn, id)
}

func getRecord(txn *badgerdb.Txn, id uuid.UUID) (*record, error) {
	item, err := txn.Get(keyNode(id))
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(txn *badgerdb.Txn, rec *record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", rec.ID, err)
	}
	return txn.Set(keyNode(rec.ID), val)
}

// listChildren scans the children of a folder, sorted by name.
func listChildren(txn *badgerdb.Txn, parent uuid.UUID) ([]child, error) {
	prefix := childPrefix(parent)
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []child
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		name := strings.TrimPrefix(string(item.Key()), prefix)
		var id uuid.UUID
		err := item.Value(func(val []byte) error {
			var err error
			id, err = uuid.FromBytes(val)
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, child{name: name, id: id})
	}
	return out, nil
}

// deleteTree removes rec, its content and its whole subtree. The caller
// removes the child entry that points at rec.
func deleteTree(txn *badgerdb.Txn, rec *record) error {
	if rec.Folder {
		children, err := listChildren(txn, rec.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			sub, err := getRecord(txn, c.id)
			if err != nil {
				return err
			}
			if err := deleteTree(txn, sub); err != nil {
				return err
			}
			if err := txn.Delete(keyChild(rec.ID, c.name)); err != nil {
				return err
			}
		}
	} else if err := txn.Delete(keyData(rec.ID)); err != nil {
		return err
	}
	return txn.Delete(keyNode(rec.ID))
}

// cloneTree duplicates rec and its subtree under fresh UUIDs.
func (p *Provider) cloneTree(txn *badgerdb.Txn, rec *record) (uuid.UUID, error) {
	clone := p.newRecord(rec.Folder)
	clone.Size = rec.Size
	if err := putRecord(txn, clone); err != nil {
		return uuid.Nil, err
	}

	if !rec.Folder {
		item, err := txn.Get(keyData(rec.ID))
		if err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return uuid.Nil, err
		}
		if err == nil {
			data, err := item.ValueCopy(nil)
			if err != nil {
				return uuid.Nil, err
			}
			if err := txn.Set(keyData(clone.ID), data); err != nil {
				return uuid.Nil, err
			}
		}
		return clone.ID, nil
	}

	children, err := listChildren(txn, rec.ID)
	if err != nil {
		return uuid.Nil, err
	}
	for _, c := range children {
		sub, err := getRecord(txn, c.id)
		if err != nil {
			return uuid.Nil, err
		}
		id, err := p.cloneTree(txn, sub)
		if err != nil {
			return uuid.Nil, err
		}
		if err := txn.Set(keyChild(clone.ID, c.name), id[:]); err != nil {
			return uuid.Nil, err
		}
	}
	return clone.ID, nil
}
