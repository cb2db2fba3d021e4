package fileservice

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// ResolveFile returns the stat of u, with folder children expanded per opts.
//
// A nil opts expands one level: the children of u are listed without their
// own children. See files.ResolveOptions for Depth, ResolveTo and
// ResolveSingleChildDescendants.
//
// Returns:
//   - *files.FileStat: fresh stat tree
//   - error: NotFound if u does not exist, UnsupportedScheme, Cancelled, ...
func (s *Service) ResolveFile(ctx context.Context, u uri.URI, opts *files.ResolveOptions) (*files.FileStat, error) {
	return dispatch(s, ctx, "resolve", u, provider.CapRead, func(ctx context.Context, p provider.Provider) (*files.FileStat, error) {
		root, err := stat(ctx, p, u)
		if err != nil {
			return nil, err
		}

		depth := files.DefaultResolveDepth
		if opts != nil {
			depth = opts.Depth
		}
		if err := resolveChildren(ctx, p, root, depth, opts); err != nil {
			return nil, err
		}
		return root, nil
	})
}

// resolveChildren expands folder with up to depth levels below it
// (negative: unbounded).
func resolveChildren(ctx context.Context, p provider.Provider, folder *files.FileStat, depth int, opts *files.ResolveOptions) error {
	if !folder.IsFolder() {
		return nil
	}
	if depth == 0 && !leadsToTarget(folder.Resource, opts) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := p.ReadDir(ctx, folder.Resource)
	if err != nil {
		return err
	}

	next := depth - 1
	if depth <= 0 {
		// Unbounded stays unbounded; a ResolveTo expansion does not
		// extend to siblings.
		next = depth
	}

	children := make([]*files.FileStat, 0, len(entries))
	for _, entry := range entries {
		child, err := stat(ctx, p, folder.Resource.Join(entry.Name))
		if files.IsCode(err, files.CodeNotFound) {
			// Removed between listing and stat.
			continue
		}
		if err != nil {
			return err
		}
		if err := resolveChildren(ctx, p, child, next, opts); err != nil {
			return err
		}
		children = append(children, child)
	}
	folder.Children = children

	if opts != nil && opts.ResolveSingleChildDescendants && len(children) == 1 {
		only := children[0]
		if only.IsFolder() && only.Children == nil {
			return resolveChildren(ctx, p, only, 1, opts)
		}
	}
	return nil
}

// leadsToTarget reports whether any ResolveTo target lies strictly below
// folder.
func leadsToTarget(folder uri.URI, opts *files.ResolveOptions) bool {
	if opts == nil {
		return false
	}
	for _, target := range opts.ResolveTo {
		if folder.IsEqualOrParent(target) && !folder.Equal(target) {
			return true
		}
	}
	return false
}

// ResolveFiles resolves a batch. Results keep the request order and each
// succeeds or fails on its own; one failure never aborts the others.
func (s *Service) ResolveFiles(ctx context.Context, requests []files.ResolveRequest) []files.ResolveResult {
	results := make([]files.ResolveResult, len(requests))

	var g errgroup.Group
	g.SetLimit(s.opts.ResolveConcurrency)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			st, err := s.ResolveFile(ctx, req.Resource, req.Options)
			results[i] = files.ResolveResult{Stat: st, Success: err == nil, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ExistsFile reports whether u exists. A missing resource is not an error;
// unsupported schemes, cancellation and provider failures still are.
func (s *Service) ExistsFile(ctx context.Context, u uri.URI) (bool, error) {
	return dispatch(s, ctx, "exists", u, provider.CapRead, func(ctx context.Context, p provider.Provider) (bool, error) {
		_, err := p.Stat(ctx, u)
		if files.IsCode(err, files.CodeNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// ReadFolder returns the child names of a folder, in provider order.
//
// Returns:
//   - []string: child names (empty for an empty folder)
//   - error: NotFound, or NotAFolder if u is a file
func (s *Service) ReadFolder(ctx context.Context, u uri.URI) ([]string, error) {
	return dispatch(s, ctx, "read_folder", u, provider.CapRead, func(ctx context.Context, p provider.Provider) ([]string, error) {
		st, err := p.Stat(ctx, u)
		if err != nil {
			return nil, err
		}
		if st.Type != files.FileTypeFolder {
			return nil, files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
		}
		entries, err := p.ReadDir(ctx, u)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name
		}
		return names, nil
	})
}
