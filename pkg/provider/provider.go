// Package provider defines the SPI implemented by storage backends.
//
// A provider owns exactly one URI scheme at a time and performs the actual
// I/O for resources of that scheme. The file service never touches storage
// itself; it routes each operation to the provider registered for the
// resource's scheme, after checking the provider declares the capability the
// operation needs.
package provider

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/uri"
)

// ============================================================================
// Capabilities
// ============================================================================

// Capability is a bitmask of the features a provider supports.
type Capability uint32

const (
	// CapRead allows Stat, ReadDir and ReadFile. Every provider has it.
	CapRead Capability = 1 << iota

	// CapWrite allows WriteFile (FileWriter).
	CapWrite

	// CapDelete allows Delete (Deleter).
	CapDelete

	// CapMove allows native Rename (Renamer).
	CapMove

	// CapCopy allows native Copy (Copier).
	CapCopy

	// CapFolderCreate allows Mkdir (FolderCreator).
	CapFolderCreate

	// CapWatch allows Watch (Watcher).
	CapWatch

	// CapTrash allows Delete with UseTrash.
	CapTrash

	// CapStreamRead allows OpenReader (StreamReader).
	CapStreamRead
)

// mutating is the set of capabilities a read-only provider never exposes.
const mutating = CapWrite | CapDelete | CapMove | CapCopy | CapFolderCreate | CapTrash

// Has reports whether all capabilities in want are set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// ReadOnly reports whether the provider cannot modify any resource.
func (c Capability) ReadOnly() bool {
	return c&mutating == 0
}

// WithoutMutations strips every mutating capability.
func (c Capability) WithoutMutations() Capability {
	return c &^ mutating
}

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapRead, "read"},
	{CapWrite, "write"},
	{CapDelete, "delete"},
	{CapMove, "move"},
	{CapCopy, "copy"},
	{CapFolderCreate, "folder-create"},
	{CapWatch, "watch"},
	{CapTrash, "trash"},
	{CapStreamRead, "stream-read"},
}

func (c Capability) String() string {
	var parts []string
	for _, n := range capabilityNames {
		if c.Has(n.cap) {
			parts = append(parts, n.name)
		}
	}
	if c.ReadOnly() {
		parts = append(parts, "readonly")
	}
	return strings.Join(parts, ",")
}

// ============================================================================
// Provider Interface
// ============================================================================

// Stat is the raw metadata a provider reports for a resource.
//
// The service turns it into a files.FileStat, adding the resource URI, the
// name, the etag and the readonly flag.
type Stat struct {
	Type  files.FileType
	Size  int64
	MTime time.Time
	CTime time.Time
}

// DirEntry is one child returned by ReadDir.
type DirEntry struct {
	Name string
	Type files.FileType
}

// Provider is the minimal contract every backend implements.
//
// Error Handling:
// Implementations report domain failures with *files.Error carrying the
// matching code (NotFound, NotAFolder, FileIsFolder, ...). Any other error is
// surfaced to callers wrapped as ProviderInternalError.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Provider interface {
	// Capabilities returns the features this provider supports.
	//
	// The value must be stable for the lifetime of the provider; the
	// dispatcher reads it on every call.
	Capabilities() Capability

	// Stat returns metadata for a resource.
	//
	// Returns:
	//   - Stat: metadata snapshot
	//   - error: NotFound if the resource does not exist
	Stat(ctx context.Context, u uri.URI) (Stat, error)

	// ReadDir lists the direct children of a folder, sorted by name.
	//
	// Returns:
	//   - []DirEntry: children (empty for an empty folder)
	//   - error: NotFound if absent, NotAFolder if the resource is a file
	ReadDir(ctx context.Context, u uri.URI) ([]DirEntry, error)

	// ReadFile returns the full content of a file.
	//
	// Returns:
	//   - []byte: file content
	//   - error: NotFound if absent, FileIsFolder if the resource is a folder
	ReadFile(ctx context.Context, u uri.URI) ([]byte, error)
}

// ============================================================================
// Optional Interfaces
// ============================================================================

// FileWriter is implemented by providers with CapWrite.
type FileWriter interface {
	// WriteFile stores data at u.
	//
	// The parent folder must exist. Without opts.Create a missing file fails
	// NotFound; without opts.Overwrite an existing file fails AlreadyExists.
	// A folder at u fails FileIsFolder.
	WriteFile(ctx context.Context, u uri.URI, data []byte, opts files.WriteOptions) error
}

// Deleter is implemented by providers with CapDelete.
type Deleter interface {
	// Delete removes a resource.
	//
	// A non-empty folder without opts.Recursive fails NotEmpty. UseTrash is
	// only passed to providers that declare CapTrash.
	Delete(ctx context.Context, u uri.URI, opts files.DeleteOptions) error
}

// FolderCreator is implemented by providers with CapFolderCreate.
type FolderCreator interface {
	// Mkdir creates a single folder. The parent must exist; an existing
	// resource at u fails AlreadyExists.
	Mkdir(ctx context.Context, u uri.URI) error
}

// Renamer is implemented by providers with CapMove.
type Renamer interface {
	// Rename moves src to dst within the provider. An existing dst fails
	// AlreadyExists unless opts.Overwrite.
	Rename(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error
}

// Copier is implemented by providers with CapCopy.
type Copier interface {
	// Copy duplicates src (recursively for folders) to dst within the
	// provider. An existing dst fails AlreadyExists unless opts.Overwrite.
	Copy(ctx context.Context, src, dst uri.URI, opts files.MoveOptions) error
}

// Unwatch tears a provider-level watch down. Called exactly once.
type Unwatch func()

// Notifier receives the output of a provider-level watch.
//
// Implementations are safe for concurrent use and never block for long;
// calls after the watch was torn down are dropped.
type Notifier interface {
	// NotifyChanges reports one batch of changes, in provider order.
	NotifyChanges(changes []files.FileChange)

	// NotifyError reports a watch failure. The watch stays established.
	NotifyError(err error)
}

// Watcher is implemented by providers with CapWatch.
type Watcher interface {
	// Watch starts reporting changes below u to n.
	//
	// The context only bounds establishment; the watch lives until the
	// returned Unwatch is called.
	Watch(ctx context.Context, u uri.URI, opts files.WatchOptions, n Notifier) (Unwatch, error)
}

// StreamReader is implemented by providers with CapStreamRead.
type StreamReader interface {
	// OpenReader returns a reader over the content of a file.
	//
	// The caller closes the reader. Closing it concurrently with a Read
	// must unblock the Read.
	OpenReader(ctx context.Context, u uri.URI) (io.ReadCloser, error)
}

// Activator is implemented by providers that need startup work (a
// connection handshake, opening a database) before their first request.
type Activator interface {
	// Activate prepares the provider. It is called at most once
	// successfully; a failed activation is retried on the next request.
	Activate(ctx context.Context) error
}
