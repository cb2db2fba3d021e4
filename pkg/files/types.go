// Package files defines the canonical model shared by the file service and
// its providers: resource stats, operation options, events and the error
// taxonomy.
package files

import (
	"fmt"
	"strconv"
	"time"

	"github.com/marmos91/dittovfs/pkg/uri"
)

// FileType is the kind of a resource.
type FileType uint8

const (
	// FileTypeUnknown is reported when a provider cannot classify a resource.
	FileTypeUnknown FileType = iota

	// FileTypeFile is a regular file.
	FileTypeFile

	// FileTypeFolder is a directory / prefix / container.
	FileTypeFolder

	// FileTypeSymlink is a symbolic link.
	FileTypeSymlink
)

func (t FileType) String() string {
	switch t {
	case FileTypeFile:
		return "file"
	case FileTypeFolder:
		return "folder"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name.
func (t FileType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// FileStat is a metadata snapshot of a resource.
//
// Stats are always built fresh from a provider response; the service never
// caches them.
type FileStat struct {
	// Resource is the URI this stat describes
	Resource uri.URI `json:"resource"`

	// Name is the last path element of Resource
	Name string `json:"name"`

	// Type is the resource kind
	Type FileType `json:"type"`

	// Size is the content length in bytes (0 for folders)
	Size int64 `json:"size"`

	// MTime is the last modification time
	MTime time.Time `json:"mtime"`

	// CTime is the creation (or status change) time, zero if unknown
	CTime time.Time `json:"ctime"`

	// ETag identifies this version of the resource
	ETag string `json:"etag"`

	// Readonly is set when the owning provider cannot modify the resource
	Readonly bool `json:"readonly"`

	// Children holds the resolved children of a folder.
	// nil means the children were not resolved; an empty slice means the
	// folder is empty.
	Children []*FileStat `json:"children,omitempty"`
}

// IsFile reports whether the resource is a regular file.
func (s *FileStat) IsFile() bool { return s.Type == FileTypeFile }

// IsFolder reports whether the resource is a folder.
func (s *FileStat) IsFolder() bool { return s.Type == FileTypeFolder }

// IsSymlink reports whether the resource is a symbolic link.
func (s *FileStat) IsSymlink() bool { return s.Type == FileTypeSymlink }

// ChildNames returns the names of the resolved children, in order.
// Returns nil when the children were not resolved.
func (s *FileStat) ChildNames() []string {
	if s.Children == nil {
		return nil
	}
	names := make([]string, len(s.Children))
	for i, c := range s.Children {
		names[i] = c.Name
	}
	return names
}

// Child returns the resolved child with the given name, or nil.
func (s *FileStat) Child(name string) *FileStat {
	for _, c := range s.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ETag computes the entity tag for a resource version.
//
// The tag combines modification time and size, so any write that changes
// either produces a new tag. Folders have no etag.
func ETag(t FileType, mtime time.Time, size int64) string {
	if t == FileTypeFolder {
		return ""
	}
	return strconv.FormatInt(mtime.UnixNano(), 36) + "-" + strconv.FormatInt(size, 36)
}

// Content is the fully buffered value of a file.
type Content struct {
	// Stat is the metadata of the resource at read time
	Stat *FileStat

	// Value is the file content
	Value []byte
}

// ============================================================================
// Options
// ============================================================================

// ResolveOptions controls how much of a folder tree ResolveFile expands.
type ResolveOptions struct {
	// Depth is the number of folder levels to expand below the resource.
	// 0 resolves only the resource itself; -1 is unbounded.
	// A nil *ResolveOptions resolves one level.
	Depth int

	// ResolveTo lists descendants whose ancestor folders are expanded
	// regardless of Depth.
	ResolveTo []uri.URI

	// ResolveSingleChildDescendants keeps expanding folders whose only
	// child is itself a folder.
	ResolveSingleChildDescendants bool
}

// DefaultResolveDepth is the depth used when no ResolveOptions are given.
const DefaultResolveDepth = 1

// UnboundedDepth expands the whole tree.
const UnboundedDepth = -1

// ResolveRequest is one entry of a ResolveFiles batch.
type ResolveRequest struct {
	Resource uri.URI
	Options  *ResolveOptions
}

// ResolveResult is the outcome of one ResolveRequest.
type ResolveResult struct {
	Stat    *FileStat
	Success bool
	Err     error
}

// CreateOptions controls CreateFile.
type CreateOptions struct {
	// Overwrite replaces an existing file instead of failing AlreadyExists
	Overwrite bool
}

// ReadOptions controls ResolveContent and ResolveStreamContent.
type ReadOptions struct {
	// ETag fails the read with NotModified when it matches the current etag
	ETag string

	// Limit fails the read with TooLarge when the resource is bigger.
	// 0 disables the check.
	Limit int64
}

// UpdateOptions controls UpdateContent.
type UpdateOptions struct {
	// ETag is the etag the caller last read. A mismatch fails Conflict.
	ETag string

	// MTime is the modification time the caller last read. A newer
	// modification on the resource fails Conflict.
	MTime time.Time

	// Overwrite skips both checks
	Overwrite bool
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// UseTrash moves the resource to the provider's trash instead of
	// deleting it permanently. Requires the trash capability.
	UseTrash bool

	// Recursive allows deleting non-empty folders
	Recursive bool
}

// WriteOptions is passed to providers on WriteFile.
type WriteOptions struct {
	// Create allows creating a missing file
	Create bool

	// Overwrite allows replacing an existing file
	Overwrite bool
}

// MoveOptions is passed to providers on Rename and Copy.
type MoveOptions struct {
	// Overwrite allows replacing an existing target
	Overwrite bool
}

// WatchOptions controls a watch request.
type WatchOptions struct {
	// Recursive watches the whole subtree instead of direct children only
	Recursive bool

	// Excludes are path.Match patterns matched against the path relative
	// to the watched resource
	Excludes []string
}

// ============================================================================
// Events
// ============================================================================

// Operation is the kind of a completed mutating operation.
type Operation uint8

const (
	OperationCreate Operation = iota + 1
	OperationUpdate
	OperationMove
	OperationCopy
	OperationDelete
)

func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "create"
	case OperationUpdate:
		return "update"
	case OperationMove:
		return "move"
	case OperationCopy:
		return "copy"
	case OperationDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// FileOperationEvent is emitted exactly once per completed mutating call.
type FileOperationEvent struct {
	// Operation is what happened
	Operation Operation

	// Resource is the source URI (the only URI for create/update/delete)
	Resource uri.URI

	// Target is the destination for move and copy, nil otherwise
	Target *uri.URI

	// Stat is the resulting stat. nil for delete.
	Stat *FileStat
}

// ChangeType is the kind of a provider-reported change.
type ChangeType uint8

const (
	ChangeAdded ChangeType = iota + 1
	ChangeUpdated
	ChangeDeleted
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("change(%d)", uint8(c))
	}
}

// FileChange is one entry of a change batch.
type FileChange struct {
	Type     ChangeType
	Resource uri.URI
}

// FileChangesEvent carries one provider-reported batch, verbatim.
type FileChangesEvent struct {
	// Scheme is the scheme of the provider that reported the batch
	Scheme string

	// Changes is the batch in provider order
	Changes []FileChange
}

// Contains reports whether the batch touches resource (or, when
// includeChildren is set, anything below it).
func (e FileChangesEvent) Contains(resource uri.URI, includeChildren bool) bool {
	for _, c := range e.Changes {
		if c.Resource.Equal(resource) {
			return true
		}
		if includeChildren && resource.IsEqualOrParent(c.Resource) {
			return true
		}
	}
	return false
}

// RegistrationChange is the kind of a provider registration event.
type RegistrationChange uint8

const (
	ProviderAdded RegistrationChange = iota + 1
	ProviderRemoved
)

func (r RegistrationChange) String() string {
	if r == ProviderAdded {
		return "added"
	}
	return "removed"
}

// ProviderRegistrationEvent is emitted when the active provider set changes.
type ProviderRegistrationEvent struct {
	Scheme string
	Change RegistrationChange
}

// WatchErrorEvent reports a provider-level watch failure. The change stream
// keeps running after it.
type WatchErrorEvent struct {
	Scheme   string
	Resource uri.URI
	Err      error
}
