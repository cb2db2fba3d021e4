// Package s3 implements a provider over Amazon S3 or an S3-compatible
// object store.
//
// Path-Based Key Design:
//   - The resource location is the object key, below an optional prefix
//     (s3://any/docs/a.txt -> "<prefix>any/docs/a.txt")
//   - Folders are key prefixes; an empty "<key>/" marker object keeps
//     empty folders alive
//   - Roots always exist
//
// S3 has no rename: moves copy then delete. Watches only observe mutations
// made through this provider.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/provider"
	"github.com/marmos91/dittovfs/pkg/provider/changefeed"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// Capabilities of the S3 provider.
const Capabilities = provider.CapRead | provider.CapWrite | provider.CapDelete |
	provider.CapMove | provider.CapCopy | provider.CapFolderCreate |
	provider.CapWatch | provider.CapStreamRead

// deleteBatchSize is the S3 DeleteObjects limit.
const deleteBatchSize = 1000

// Config configures an S3 provider.
type Config struct {
	Region string `mapstructure:"region" validate:"required"`
	Bucket string `mapstructure:"bucket" validate:"required"`

	// KeyPrefix is prepended to every object key
	// Example: "dittovfs/" stores s3:///a.txt as "dittovfs/a.txt"
	KeyPrefix string `mapstructure:"key_prefix"`

	// Endpoint overrides the AWS endpoint for S3-compatible services
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// MaxRetries is the maximum number of attempts per request.
	// Default: 10
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
}

// Provider stores resources as S3 objects.
//
// Thread Safety:
// Mutations through one provider are serialized so change notifications
// keep their order. Concurrent writers outside the process get S3's
// last-write-wins behavior.
type Provider struct {
	api    API
	bucket string
	prefix string
	feed   *changefeed.Feed

	mu sync.Mutex
}

// New creates an S3 provider on an existing client.
func New(api API, cfg Config) *Provider {
	prefix := strings.TrimPrefix(cfg.KeyPrefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Provider{
		api:    api,
		bucket: cfg.Bucket,
		prefix: prefix,
		feed:   changefeed.New(),
	}
}

// NewFromConfig builds the S3 client described by cfg and creates a
// provider on it. Requests are reported to m when it is non-nil.
func NewFromConfig(ctx context.Context, cfg Config, m Metrics) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 provider: bucket is required")
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(Instrument(client, m), cfg), nil
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.Capability {
	return Capabilities
}

// Activate implements provider.Activator by verifying bucket access. The
// bucket must already exist.
func (p *Provider) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	if err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", p.bucket, err)
	}
	logger.Info("S3 provider initialized: bucket=%s, prefix=%s", p.bucket, p.prefix)
	return nil
}

// Close drops all watches.
func (p *Provider) Close() error {
	p.feed.Close()
	return nil
}

// key returns the object key of u. The root maps to the bare prefix.
func (p *Provider) key(u uri.URI) string {
	return p.prefix + strings.TrimPrefix(u.Location(), "/")
}

// folderPrefix returns the key prefix of the children of u.
func (p *Provider) folderPrefix(u uri.URI) string {
	if u.Location() == "/" {
		return p.prefix
	}
	return p.key(u) + "/"
}

// ============================================================================
// Read operations
// ============================================================================

// Stat implements provider.Provider.
func (p *Provider) Stat(ctx context.Context, u uri.URI) (provider.Stat, error) {
	if err := ctx.Err(); err != nil {
		return provider.Stat{}, err
	}
	if u.Location() == "/" {
		return provider.Stat{Type: files.FileTypeFolder}, nil
	}

	out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(u)),
	})
	if err == nil {
		mtime := aws.ToTime(out.LastModified)
		return provider.Stat{
			Type:  files.FileTypeFile,
			Size:  aws.ToInt64(out.ContentLength),
			MTime: mtime,
			CTime: mtime,
		}, nil
	}
	if !isNotFound(err) {
		return provider.Stat{}, mapError(u, err)
	}

	st, err := p.statFolder(ctx, u)
	if files.IsCode(err, files.CodeNotFound) && u.IsRoot() {
		return provider.Stat{Type: files.FileTypeFolder}, nil
	}
	return st, err
}

// statFolder reports u as a folder when its marker or any object below it
// exists.
func (p *Provider) statFolder(ctx context.Context, u uri.URI) (provider.Stat, error) {
	prefix := p.folderPrefix(u)

	out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(prefix),
	})
	if err == nil {
		mtime := aws.ToTime(out.LastModified)
		return provider.Stat{Type: files.FileTypeFolder, MTime: mtime, CTime: mtime}, nil
	}
	if !isNotFound(err) {
		return provider.Stat{}, mapError(u, err)
	}

	list, err := p.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return provider.Stat{}, mapError(u, err)
	}
	if len(list.Contents) == 0 {
		return provider.Stat{}, files.NewError(files.CodeNotFound, u.String(), "resource not found")
	}
	return provider.Stat{Type: files.FileTypeFolder}, nil
}

// ReadDir implements provider.Provider.
func (p *Provider) ReadDir(ctx context.Context, u uri.URI) ([]provider.DirEntry, error) {
	st, err := p.Stat(ctx, u)
	if err != nil {
		return nil, err
	}
	if st.Type != files.FileTypeFolder {
		return nil, files.NewError(files.CodeNotAFolder, u.String(), "not a folder")
	}

	prefix := p.folderPrefix(u)
	paginator := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []provider.DirEntry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(u, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				entries = append(entries, provider.DirEntry{Name: name, Type: files.FileTypeFolder})
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" {
				entries = append(entries, provider.DirEntry{Name: name, Type: files.FileTypeFile})
			}
		}
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

// OpenReader implements provider.StreamReader. The object body streams
// from S3; the caller must close it.
func (p *Provider) OpenReader(ctx context.Context, u uri.URI) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if u.Location() == "/" {
		return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
	}

	out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(u)),
	})
	if err == nil {
		return out.Body, nil
	}
	if !isNotFound(err) {
		return nil, mapError(u, err)
	}
	if _, ferr := p.statFolder(ctx, u); ferr == nil {
		return nil, files.NewError(files.CodeFileIsFolder, u.String(), "cannot read a folder")
	}
	return nil, files.NewError(files.CodeNotFound, u.String(), "file not found")
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

	if err := p.checkParent(ctx, u); err != nil {
		return err
	}
	change := changefeed.Updated(u.Location())
	st, err := p.Stat(ctx, u)
	switch {
	case err == nil && st.Type == files.FileTypeFolder:
		return files.NewError(files.CodeFileIsFolder, u.String(), "a folder exists at this location")
	case err == nil && !opts.Overwrite:
		return files.NewError(files.CodeAlreadyExists, u.String(), "file already exists")
	case err != nil && !files.IsCode(err, files.CodeNotFound):
		return err
	case err != nil && !opts.Create:
		return files.NewError(files.CodeNotFound, u.String(), "file not found")
	case err != nil:
		change = changefeed.Added(u.Location())
	}

	if err := p.put(ctx, p.key(u), data); err != nil {
		return mapError(u, err)
	}
	p.feed.Emit(change)
	return nil
}

// Mkdir implements provider.FolderCreator by writing a folder marker.
func (p *Provider) Mkdir(ctx context.Context, u uri.URI) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkParent(ctx, u); err != nil {
		return err
	}
	if u.Location() == "/" {
		return files.NewError(files.CodeAlreadyExists, u.String(), "the root folder always exists")
	}
	_, err := p.Stat(ctx, u)
	switch {
	case err == nil && !u.IsRoot():
		return files.NewError(files.CodeAlreadyExists, u.String(), "resource already exists")
	case err != nil && !files.IsCode(err, files.CodeNotFound):
		return err
	}
	if err := p.put(ctx, p.folderPrefix(u), nil); err != nil {
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

	if err := p.remove(ctx, u, opts.Recursive); err != nil {
		return err
	}
	p.feed.Emit(changefeed.Deleted(u.Location()))
	return nil
}

func (p *Provider) remove(ctx context.Context, u uri.URI, recursive bool) error {
	st, err := p.Stat(ctx, u)
	if err != nil {
		return err
	}
	if st.Type != files.FileTypeFolder {
		_, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(u)),
		})
		return mapError(u, err)
	}

	prefix := p.folderPrefix(u)
	keys, err := p.listKeys(ctx, prefix)
	if err != nil {
		return mapError(u, err)
	}
	if !recursive {
		for _, k := range keys {
			if k != prefix {
				return files.NewError(files.CodeNotEmpty, u.String(), "folder is not empty")
			}
		}
	}
	return mapError(u, p.deleteKeys(ctx, keys))
}

// Rename implements provider.Renamer as copy then delete.
func (p *Provider) Rename(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error {
	return p.transfer(ctx, src, dst, opts, true)
}

// Copy implements provider.Copier with server-side object copies.
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

	st, err := p.Stat(ctx, src)
	if err != nil {
		return err
	}
	if err := p.checkParent(ctx, dst); err != nil {
		return err
	}

	changes := make([]changefeed.Change, 0, 3)
	if dstStat, err := p.Stat(ctx, dst); err == nil {
		if dstLoc == "/" || strings.HasPrefix(srcLoc, dstLoc+"/") {
			return files.NewError(files.CodeInvalidArgument, dst.String(), "target is an ancestor of the source")
		}
		if !opts.Overwrite {
			return files.NewError(files.CodeAlreadyExists, dst.String(), "target already exists")
		}
		// CopyObject replaces an object in place.
		if st.Type == files.FileTypeFolder || dstStat.Type == files.FileTypeFolder {
			if err := p.remove(ctx, dst, true); err != nil {
				return err
			}
		}
		changes = append(changes, changefeed.Deleted(dstLoc))
	}

	if st.Type != files.FileTypeFolder {
		err = p.copyObject(ctx, p.key(src), p.key(dst))
	} else {
		err = p.copyPrefix(ctx, p.folderPrefix(src), p.folderPrefix(dst))
	}
	if err != nil {
		return mapError(dst, err)
	}

	if move {
		if err := p.remove(ctx, src, true); err != nil {
			return err
		}
		changes = append(changes, changefeed.Deleted(srcLoc))
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
// Object helpers
// ============================================================================

// checkParent verifies the parent of u is a folder. Roots always exist.
func (p *Provider) checkParent(ctx context.Context, u uri.URI) error {
	if u.IsRoot() || u.Dir().IsRoot() {
		return nil
	}
	parent := u.Dir()
	st, err := p.Stat(ctx, parent)
	if files.IsCode(err, files.CodeNotFound) {
		return files.NewError(files.CodeNotFound, parent.String(), "parent folder not found")
	}
	if err != nil {
		return err
	}
	if st.Type != files.FileTypeFolder {
		return files.NewError(files.CodeNotAFolder, parent.String(), "parent is not a folder")
	}
	return nil
}

func (p *Provider) put(ctx context.Context, key string, data []byte) error {
	_, err := p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func (p *Provider) copyObject(ctx context.Context, srcKey, dstKey string) error {
	source := (&url.URL{Path: p.bucket + "/" + srcKey}).EscapedPath()
	_, err := p.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		CopySource: aws.String(source),
		Key:        aws.String(dstKey),
	})
	return err
}

// copyPrefix copies every object below src to dst and leaves a marker for
// the target folder.
func (p *Provider) copyPrefix(ctx context.Context, src, dst string) error {
	keys, err := p.listKeys(ctx, src)
	if err != nil {
		return err
	}
	marker := false
	for _, k := range keys {
		if err := p.copyObject(ctx, k, dst+strings.TrimPrefix(k, src)); err != nil {
			return err
		}
		marker = marker || k == src
	}
	if !marker {
		return p.put(ctx, dst, nil)
	}
	return nil
}

// listKeys returns every object key below prefix.
func (p *Provider) listKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// deleteKeys removes keys in DeleteObjects batches.
func (p *Provider) deleteKeys(ctx context.Context, keys []string) error {
	for i := 0; i < len(keys); i += deleteBatchSize {
		end := min(i+deleteBatchSize, len(keys))
		objects := make([]types.ObjectIdentifier, 0, end-i)
		for _, k := range keys[i:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := p.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete batch %d-%d: %w", i, end, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func mapError(u uri.URI, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isNotFound(err):
		return files.WrapError(files.CodeNotFound, u.String(), err)
	default:
		var fe *files.Error
		if errors.As(err, &fe) {
			return err
		}
		return files.WrapError(files.CodeProviderInternal, u.String(), err)
	}
}
