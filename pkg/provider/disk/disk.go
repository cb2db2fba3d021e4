// Package disk implements a provider over a local directory tree.
//
// Resources map below Config.Root by uri.Location(), so "file:///a/b.txt"
// is <root>/a/b.txt. Paths never escape the root: locations are cleaned
// before they are joined. Watches are backed by fsnotify.
package disk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Capabilities of the disk provider.
const Capabilities = provider.CapRead | provider.CapWrite | provider.CapDelete |
	provider.CapMove | provider.CapCopy | provider.CapFolderCreate |
	provider.CapWatch | provider.CapStreamRead

// Default permissions for created entries.
const (
	DefaultFileMode os.FileMode = 0o644
	DefaultDirMode  os.FileMode = 0o755
)

// Config configures a disk provider.
type Config struct {
	// Root is the directory that holds every resource of the scheme.
	Root string `mapstructure:"root" validate:"required"`

	// CreateRoot creates Root on activation when it does not exist.
	CreateRoot bool `mapstructure:"create_root"`
}

// Provider serves resources from the local filesystem. Safe for concurrent
// use; concurrent writers to the same file race as they would on disk.
type Provider struct {
	root       string
	createRoot bool
	watches    *watchSet
}

// New creates a disk provider rooted at cfg.Root.
func New(cfg Config) (*Provider, error) {
	if cfg.Root == "" {
		return nil, files.NewError(files.CodeInvalidArgument, "", "disk provider requires a root directory")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, files.WrapError(files.CodeInvalidArgument, cfg.Root, err)
	}
	return &Provider{root: root, createRoot: cfg.CreateRoot, watches: newWatchSet()}, nil
}

// Root returns the absolute root directory.
func (p *Provider) Root() string {
	return p.root
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capability {
	return Capabilities
}

// Activate implements provider.Activator: it checks (or creates) the root.
func (p *Provider) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.createRoot {
		if err := os.MkdirAll(p.root, DefaultDirMode); err != nil {
			return err
		}
	}
	info, err := os.Stat(p.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return files.NewError(files.CodeNotAFolder, p.root, "disk provider root is not a directory")
	}
	logger.Debug("Disk provider ready at %s", p.root)
	return nil
}

// Close stops every watch still running.
func (p *Provider) Close() error {
	p.watches.closeAll()
	return nil
}

// path maps u to its absolute on-disk path.
func (p *Provider) path(u uri.URI) string {
	return filepath.Join(p.root, filepath.FromSlash(u.Location()))
}

// ============================================================================
// Read operations
// ============================================================================

// Stat implements provider.Provider. Symlinks report their target; dangling
// ones report FileTypeSymlink.
func (p *Provider) Stat(ctx context.Context, u uri.URI) (provider.Stat, error) {
	if err := ctx.Err(); err != nil {
		return provider.Stat{}, err
	}
	info, err := statFollow(p.path(u))
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

	dir := p.path(u)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, mapError(u, err)
	}
	if !info.IsDir() {
		return nil, files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapError(u, err)
	}
	out := make([]provider.DirEntry, 0, len(entries))
	for _, e := range entries {
		t := fileType(e.Type())
		if e.Type()&fs.ModeSymlink != 0 {
			if info, err := statFollow(filepath.Join(dir, e.Name())); err == nil {
				t = toStat(info).Type
			}
		}
		out = append(out, provider.DirEntry{Name: e.Name(), Type: t})
	}
	return out, nil
}

// ReadFile implements provider.Provider.
func (p *Provider) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	rc, err := p.OpenReader(ctx, u)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

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
	f, err := os.Open(p.path(u))
	if err != nil {
		return nil, mapError(u, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, mapError(u, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
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

	target := p.path(u)
	info, err := os.Stat(target)
	switch {
	case err == nil && info.IsDir():
		return files.NewError(files.CodeFileIsFolder, u.String(), "a folder exists at this location")
	case err == nil && !opts.Overwrite:
		return files.NewError(files.CodeAlreadyExists, u.String(), "file already exists")
	case errors.Is(err, fs.ErrNotExist) && !opts.Create:
		return files.NewError(files.CodeNotFound, u.String(), "file not found")
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return mapError(u, err)
	}

	if err := checkParent(u, filepath.Dir(target)); err != nil {
		return err
	}
	if err := os.WriteFile(target, data, DefaultFileMode); err != nil {
		return mapError(u, err)
	}
	return nil
}

// Mkdir implements provider.FolderCreator.
func (p *Provider) Mkdir(ctx context.Context, u uri.URI) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := p.path(u)
	if err := checkParent(u, filepath.Dir(dir)); err != nil {
		return err
	}
	if err := os.Mkdir(dir, DefaultDirMode); err != nil {
		return mapError(u, err)
	}
	return nil
}

// Delete implements provider.Deleter.
func (p *Provider) Delete(ctx context.Context, u uri.URI, opts files.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := p.path(u)
	if target == p.root {
		return files.NewError(files.CodeInvalidArgument, u.String(), "cannot delete the provider root")
	}
	info, err := os.Lstat(target)
	if err != nil {
		return mapError(u, err)
	}
	if info.IsDir() && !opts.Recursive {
		entries, err := os.ReadDir(target)
		if err != nil {
			return mapError(u, err)
		}
		if len(entries) > 0 {
			return files.NewError(files.CodeNotEmpty, u.String(), "folder is not empty")
		}
	}
	if err := os.RemoveAll(target); err != nil {
		return mapError(u, err)
	}
	return nil
}

// Rename implements provider.Renamer.
func (p *Provider) Rename(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	from, to, err := p.prepareTransfer(ctx, src, dst, opts, true)
	if err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return mapError(src, err)
	}
	return nil
}

// Copy implements provider.Copier.
func (p *Provider) Copy(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	from, to, err := p.prepareTransfer(ctx, src, dst, opts, false)
	if err != nil {
		return err
	}
	return copyTree(ctx, from, to)
}

// prepareTransfer validates a rename or copy and clears an overwritten
// target.
func (p *Provider) prepareTransfer(ctx context.Context, src, dst uri.URI, opts files.MoveOptions, move bool) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	from, to := p.path(src), p.path(dst)
	if from == to {
		return "", "", files.NewError(files.CodeInvalidArgument, dst.String(), "source and target are the same resource")
	}
	if rel, err := filepath.Rel(from, to); err == nil && filepath.IsLocal(rel) {
		return "", "", files.NewError(files.CodeInvalidArgument, dst.String(), "target is inside the source")
	}
	fromInfo, err := os.Lstat(from)
	if err != nil {
		return "", "", mapError(src, err)
	}
	if err := checkParent(dst, filepath.Dir(to)); err != nil {
		return "", "", err
	}
	toInfo, err := os.Lstat(to)
	if errors.Is(err, fs.ErrNotExist) {
		return from, to, nil
	}
	if err != nil {
		return "", "", mapError(dst, err)
	}
	if rel, err := filepath.Rel(to, from); err == nil && filepath.IsLocal(rel) {
		return "", "", files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source")
	}
	if !opts.Overwrite {
		return "", "", files.NewError(files.CodeAlreadyExists, dst.String(), "target already exists")
	}
	// os.Rename replaces a file in one step.
	if move && !fromInfo.IsDir() && !toInfo.IsDir() {
		return from, to, nil
	}
	if err := os.RemoveAll(to); err != nil {
		return "", "", mapError(dst, err)
	}
	return from, to, nil
}

// copyTree copies a file or a directory tree, preserving permissions.
func copyTree(ctx context.Context, from, to string) error {
	return filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Mkdir(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(from, to string, mode os.FileMode) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ============================================================================
// Helpers
// ============================================================================

func checkParent(u uri.URI, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return files.NewError(files.CodeNotFound, u.Dir().String(), "parent folder not found")
		}
		return mapError(u, err)
	}
	if !info.IsDir() {
		return files.NewError(files.CodeNotAFolder, u.Dir().String(), "parent is not a folder")
	}
	return nil
}

// statFollow stats path, following symlinks. A dangling symlink returns the
// link itself.
func statFollow(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info, nil
	}
	if link, lerr := os.Lstat(path); lerr == nil && link.Mode()&fs.ModeSymlink != 0 {
		return link, nil
	}
	return nil, err
}

func fileType(mode fs.FileMode) files.FileType {
	switch {
	case mode.IsDir():
		return files.FileTypeFolder
	case mode&fs.ModeSymlink != 0:
		return files.FileTypeSymlink
	case mode.IsRegular():
		return files.FileTypeFile
	default:
		return files.FileTypeUnknown
	}
}

// toStat converts file info. There is no portable creation time, so CTime
// is the modification time.
func toStat(info fs.FileInfo) provider.Stat {
	t := fileType(info.Mode())
	var size int64
	if t == files.FileTypeFile {
		size = info.Size()
	}
	return provider.Stat{Type: t, Size: size, MTime: info.ModTime(), CTime: info.ModTime()}
}

// mapError translates an os error into the files taxonomy.
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
	case errors.Is(err, syscall.ENOTDIR):
		return files.WrapError(files.CodeNotAFolder, u.String(), err)
	case errors.Is(err, syscall.EISDIR):
		return files.WrapError(files.CodeFileIsFolder, u.String(), err)
	case errors.Is(err, syscall.ENOTEMPTY):
		return files.WrapError(files.CodeNotEmpty, u.String(), err)
	default:
		return files.WrapError(files.CodeProviderInternal, u.String(), err)
	}
}
