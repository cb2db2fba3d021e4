package fileservice

import (
	"context"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// CreateFile creates a file with content, creating missing parent folders.
//
// Returns:
//   - *files.FileStat: stat of the new file
//   - error: AlreadyExists unless opts.Overwrite, FileIsFolder if a folder
//     sits at u, NotAFolder if a file sits on the parent path
//
// Emits one create event on success.
func (s *Service) CreateFile(ctx context.Context, u uri.URI, content []byte, opts *files.CreateOptions) (*files.FileStat, error) {
	overwrite := opts != nil && opts.Overwrite

	st, err := dispatch(s, ctx, "create", u, provider.CapWrite, func(ctx context.Context, p provider.Provider) (*files.FileStat, error) {
		existing, err := p.Stat(ctx, u)
		switch {
		case err == nil:
			if existing.Type == files.FileTypeFolder {
				return nil, files.NewError(files.CodeFileIsFolder, u.String(), "a folder exists at this location")
			}
			if !overwrite {
				return nil, files.NewError(files.CodeAlreadyExists, u.String(), "file already exists")
			}
		case files.IsCode(err, files.CodeNotFound):
			if err := mkdirp(ctx, p, u.Dir()); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}

		w := p.(provider.FileWriter)
		if err := w.WriteFile(ctx, u, content, files.WriteOptions{Create: true, Overwrite: overwrite}); err != nil {
			return nil, err
		}
		return stat(ctx, p, u)
	})
	if err != nil {
		return nil, err
	}

	s.publish(files.OperationCreate, u, nil, st)
	return st, nil
}

// ResolveContent reads the full content of a file.
//
// Returns:
//   - *files.Content: stat and bytes
//   - error: NotFound, FileIsFolder, NotModified when opts.ETag matches,
//     TooLarge when the file exceeds opts.Limit
func (s *Service) ResolveContent(ctx context.Context, u uri.URI, opts *files.ReadOptions) (*files.Content, error) {
	return dispatch(s, ctx, "read", u, provider.CapRead, func(ctx context.Context, p provider.Provider) (*files.Content, error) {
		st, err := readableStat(ctx, p, u, opts)
		if err != nil {
			return nil, err
		}
		data, err := p.ReadFile(ctx, u)
		if err != nil {
			return nil, err
		}
		if opts != nil && opts.Limit > 0 && int64(len(data)) > opts.Limit {
			return nil, files.NewError(files.CodeTooLarge, u.String(), "file exceeds read limit of %d bytes", opts.Limit)
		}
		return &files.Content{Stat: st, Value: data}, nil
	})
}

// readableStat stats u and applies the checks shared by both read paths.
func readableStat(ctx context.Context, p provider.Provider, u uri.URI, opts *files.ReadOptions) (*files.FileStat, error) {
	st, err := stat(ctx, p, u)
	if err != nil {
		return nil, err
	}
	if st.IsFolder() {
		return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
	}
	if opts == nil {
		return st, nil
	}
	if opts.ETag != "" && opts.ETag == st.ETag {
		return nil, files.NewError(files.CodeNotModified, u.String(), "file not modified since etag %s", opts.ETag)
	}
	if opts.Limit > 0 && st.Size > opts.Limit {
		return nil, files.NewError(files.CodeTooLarge, u.String(), "file size %d exceeds read limit of %d bytes", st.Size, opts.Limit)
	}
	return st, nil
}

// UpdateContent writes value to u.
//
// Optimistic concurrency: unless opts.Overwrite, the write fails Conflict
// when opts.ETag differs from the current etag or the file was modified
// after opts.MTime. A missing file is created (with its parent folders).
//
// Emits one update event, or one create event when the file was created.
func (s *Service) UpdateContent(ctx context.Context, u uri.URI, value []byte, opts *files.UpdateOptions) (*files.FileStat, error) {
	var created bool

	st, err := dispatch(s, ctx, "update", u, provider.CapWrite, func(ctx context.Context, p provider.Provider) (*files.FileStat, error) {
		current, err := stat(ctx, p, u)
		switch {
		case err == nil:
			if current.IsFolder() {
				return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot write to a folder")
			}
			if err := checkConflict(u, current, opts); err != nil {
				return nil, err
			}
		case files.IsCode(err, files.CodeNotFound):
			if err := mkdirp(ctx, p, u.Dir()); err != nil {
				return nil, err
			}
			created = true
		default:
			return nil, err
		}

		w := p.(provider.FileWriter)
		if err := w.WriteFile(ctx, u, value, files.WriteOptions{Create: created, Overwrite: !created}); err != nil {
			return nil, err
		}
		return stat(ctx, p, u)
	})
	if err != nil {
		return nil, err
	}

	op := files.OperationUpdate
	if created {
		op = files.OperationCreate
	}
	s.publish(op, u, nil, st)
	return st, nil
}

func checkConflict(u uri.URI, current *files.FileStat, opts *files.UpdateOptions) error {
	if opts == nil || opts.Overwrite {
		return nil
	}
	if opts.ETag != "" && opts.ETag != current.ETag {
		return files.NewError(files.CodeConflict, u.String(), "etag %s does not match current %s", opts.ETag, current.ETag)
	}
	if !opts.MTime.IsZero() && current.MTime.After(opts.MTime) {
		return files.NewError(files.CodeConflict, u.String(), "file modified at %s, after %s", current.MTime, opts.MTime)
	}
	return nil
}

// mkdirp creates u and any missing ancestors. An existing folder is fine;
// a file anywhere on the path fails NotAFolder.
func mkdirp(ctx context.Context, p provider.Provider, u uri.URI) error {
	st, err := p.Stat(ctx, u)
	if err == nil {
		if st.Type != files.FileTypeFolder {
			return files.NewError(files.CodeNotAFolder, u.String(), "a file exists on the folder path")
		}
		return nil
	}
	if !files.IsCode(err, files.CodeNotFound) {
		return err
	}
	if u.IsRoot() {
		// Roots are implicit in some providers (buckets, namespaces).
		return nil
	}

	if err := mkdirp(ctx, p, u.Dir()); err != nil {
		return err
	}
	fc, ok := p.(provider.FolderCreator)
	if !ok || !p.Capabilities().Has(provider.CapFolderCreate) {
		return files.NewError(files.CodeCapabilityNotSupported, u.String(), "provider for scheme %q cannot create folders", u.Scheme())
	}
	if err := fc.Mkdir(ctx, u); err != nil && !files.IsCode(err, files.CodeAlreadyExists) {
		return err
	}
	return nil
}
