package fileservice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// CreateFolder creates u and any missing ancestors.
//
// Creating an existing folder succeeds. A file on the path fails
// NotAFolder. Emits one create event on success.
func (s *Service) CreateFolder(ctx context.Context, u uri.URI) (*files.FileStat, error) {
	st, err := dispatch(s, ctx, "create_folder", u, provider.CapFolderCreate, func(ctx context.Context, p provider.Provider) (*files.FileStat, error) {
		if err := mkdirp(ctx, p, u); err != nil {
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

// Delete removes u.
//
// A non-empty folder fails NotEmpty unless opts.Recursive. opts.UseTrash
// requires the trash capability. Emits one delete event (with a nil stat)
// on success.
func (s *Service) Delete(ctx context.Context, u uri.URI, opts *files.DeleteOptions) error {
	var o files.DeleteOptions
	if opts != nil {
		o = *opts
	}
	want := provider.CapDelete
	if o.UseTrash {
		want |= provider.CapTrash
	}

	_, err := dispatch(s, ctx, "delete", u, want, func(ctx context.Context, p provider.Provider) (struct{}, error) {
		st, err := p.Stat(ctx, u)
		if err != nil {
			return struct{}{}, err
		}
		if st.Type == files.FileTypeFolder && !o.Recursive {
			entries, err := p.ReadDir(ctx, u)
			if err != nil {
				return struct{}{}, err
			}
			if len(entries) > 0 {
				return struct{}{}, files.NewError(files.CodeNotEmpty, u.String(), "folder is not empty")
			}
		}
		return struct{}{}, p.(provider.Deleter).Delete(ctx, u, o)
	})
	if err != nil {
		return err
	}

	s.publish(files.OperationDelete, u, nil, nil)
	return nil
}

// MoveFile moves src to dst, possibly across providers.
//
// Returns the stat of dst. Fails AlreadyExists if dst exists and overwrite
// is false (overwrite deletes dst first), InvalidArgument if src equals dst
// or dst lies inside src. Emits one move event on success.
func (s *Service) MoveFile(ctx context.Context, src, dst uri.URI, overwrite bool) (*files.FileStat, error) {
	return s.transfer(ctx, files.OperationMove, src, dst, overwrite)
}

// CopyFile copies src to dst, possibly across providers. Same contract as
// MoveFile; emits one copy event on success.
func (s *Service) CopyFile(ctx context.Context, src, dst uri.URI, overwrite bool) (*files.FileStat, error) {
	return s.transfer(ctx, files.OperationCopy, src, dst, overwrite)
}

func (s *Service) transfer(ctx context.Context, op files.Operation, src, dst uri.URI, overwrite bool) (*files.FileStat, error) {
	start := time.Now()
	st, err := s.doTransfer(ctx, op, src, dst, overwrite)
	s.observe(op.String(), src, start, err)
	if err != nil {
		return nil, err
	}

	target := dst
	s.publish(op, src, &target, st)
	return st, nil
}

func (s *Service) doTransfer(ctx context.Context, op files.Operation, src, dst uri.URI, overwrite bool) (*files.FileStat, error) {
	if src.Equal(dst) {
		return nil, files.NewError(files.CodeInvalidArgument, src.String(), "source and target are the same resource")
	}
	if src.IsEqualOrParent(dst) {
		return nil, files.NewError(files.CodeInvalidArgument, dst.String(), "target is inside the source %s", src)
	}

	sp, err := s.acquire(ctx, src, provider.CapRead)
	if err != nil {
		return nil, err
	}
	dp := sp
	if src.Scheme() != dst.Scheme() {
		if dp, err = s.acquire(ctx, dst, provider.CapWrite); err != nil {
			return nil, err
		}
	}
	sameProvider := src.Scheme() == dst.Scheme()

	if err := checkTransferCapabilities(op, sp, dp, sameProvider, src, dst); err != nil {
		return nil, err
	}

	native := sameProvider && (op == files.OperationMove && supports(sp, provider.CapMove) ||
		op == files.OperationCopy && supports(sp, provider.CapCopy))

	return gate(ctx, src, func(ctx context.Context) (*files.FileStat, error) {
		srcStat, err := sp.Stat(ctx, src)
		if err != nil {
			return nil, err
		}

		dstStat, err := dp.Stat(ctx, dst)
		switch {
		case err == nil:
			if !overwrite {
				return nil, files.NewError(files.CodeAlreadyExists, dst.String(), "target already exists")
			}
			if dst.IsEqualOrParent(src) {
				return nil, files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source %s", src)
			}
			// Native transfers replace the target themselves, and a
			// rewritten file replaces it in place.
			if native || srcStat.Type != files.FileTypeFolder && dstStat.Type != files.FileTypeFolder {
				break
			}
			if !supports(dp, provider.CapDelete) {
				return nil, files.NewError(files.CodeCapabilityNotSupported, dst.String(), "cannot overwrite: provider for scheme %q does not support delete", dst.Scheme())
			}
			if err := dp.(provider.Deleter).Delete(ctx, dst, files.DeleteOptions{Recursive: true}); err != nil {
				return nil, err
			}
		case !files.IsCode(err, files.CodeNotFound):
			return nil, err
		}

		if err := mkdirp(ctx, dp, dst.Dir()); err != nil {
			return nil, err
		}

		mo := files.MoveOptions{Overwrite: overwrite}
		switch {
		case native && op == files.OperationMove:
			err = sp.(provider.Renamer).Rename(ctx, src, dst, mo)
		case native:
			err = sp.(provider.Copier).Copy(ctx, src, dst, mo)
		default:
			err = s.copyTree(ctx, sp, src, srcStat.Type, dp, dst)
			if err == nil && op == files.OperationMove {
				err = sp.(provider.Deleter).Delete(ctx, src, files.DeleteOptions{Recursive: true})
			}
		}
		if err != nil {
			return nil, err
		}

		return stat(ctx, dp, dst)
	})
}

// checkTransferCapabilities verifies a move or copy can be carried out,
// natively or through the read+write fallback.
func checkTransferCapabilities(op files.Operation, sp, dp provider.Provider, sameProvider bool, src, dst uri.URI) error {
	if sameProvider {
		if op == files.OperationMove && supports(sp, provider.CapMove) {
			return nil
		}
		if op == files.OperationCopy && supports(sp, provider.CapCopy) {
			return nil
		}
	}
	if err := requireCapability(dp, dst, provider.CapWrite); err != nil {
		return err
	}
	if op == files.OperationMove {
		return requireCapability(sp, src, provider.CapDelete)
	}
	return nil
}

// copyTree copies src from sp to dst on dp by reading and writing, folders
// recursively.
func (s *Service) copyTree(ctx context.Context, sp provider.Provider, src uri.URI, kind files.FileType, dp provider.Provider, dst uri.URI) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if kind != files.FileTypeFolder {
		data, err := s.readAll(ctx, sp, src)
		if err != nil {
			return err
		}
		return dp.(provider.FileWriter).WriteFile(ctx, dst, data, files.WriteOptions{Create: true, Overwrite: true})
	}

	if err := mkdirp(ctx, dp, dst); err != nil {
		return err
	}
	entries, err := sp.ReadDir(ctx, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.copyTree(ctx, sp, src.Join(e.Name), e.Type, dp, dst.Join(e.Name)); err != nil {
			return err
		}
	}
	return nil
}

// readAll reads a whole file, in StreamChunkSize reads when the provider
// streams natively.
func (s *Service) readAll(ctx context.Context, p provider.Provider, u uri.URI) ([]byte, error) {
	if !supports(p, provider.CapStreamRead) {
		return p.ReadFile(ctx, u)
	}
	rc, err := p.(provider.StreamReader).OpenReader(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var out bytes.Buffer
	chunk := make([]byte, s.opts.StreamChunkSize)
	for {
		n, err := rc.Read(chunk)
		out.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
