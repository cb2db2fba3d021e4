package files

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode categorizes a file service failure.
//
// Providers report domain failures with these codes so the service can
// surface them unchanged; anything else a provider returns is wrapped as
// CodeProviderInternal.
type ErrorCode int

const (
	// CodeUnsupportedScheme indicates no provider is registered for the scheme.
	CodeUnsupportedScheme ErrorCode = iota + 1

	// CodeProviderUnavailable indicates the provider went away or could not
	// be activated.
	CodeProviderUnavailable

	// CodeCapabilityNotSupported indicates the provider lacks the capability
	// the operation needs (e.g. delete on a read-only provider).
	CodeCapabilityNotSupported

	// CodeNotFound indicates the resource does not exist.
	CodeNotFound

	// CodeAlreadyExists indicates the target exists and overwrite was not requested.
	CodeAlreadyExists

	// CodeNotAFolder indicates a folder was expected but a file was found.
	CodeNotAFolder

	// CodeFileIsFolder indicates a file was expected but a folder was found.
	CodeFileIsFolder

	// CodeNotEmpty indicates a non-recursive delete of a non-empty folder.
	CodeNotEmpty

	// CodeConflict indicates the resource changed since the caller last read it.
	CodeConflict

	// CodeNotModified indicates the resource still matches the caller's etag.
	CodeNotModified

	// CodeTooLarge indicates the resource exceeds the requested read limit.
	CodeTooLarge

	// CodeInvalidArgument indicates malformed input, e.g. moving a folder
	// into itself.
	CodeInvalidArgument

	// CodeCancelled indicates the caller's context ended before completion.
	CodeCancelled

	// CodeProviderInternal wraps an unclassified provider failure.
	CodeProviderInternal
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnsupportedScheme:
		return "UnsupportedScheme"
	case CodeProviderUnavailable:
		return "ProviderUnavailable"
	case CodeCapabilityNotSupported:
		return "CapabilityNotSupported"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeNotAFolder:
		return "NotAFolder"
	case CodeFileIsFolder:
		return "FileIsFolder"
	case CodeNotEmpty:
		return "NotEmpty"
	case CodeConflict:
		return "Conflict"
	case CodeNotModified:
		return "NotModified"
	case CodeTooLarge:
		return "TooLarge"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeCancelled:
		return "Cancelled"
	case CodeProviderInternal:
		return "ProviderInternalError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error is the typed failure returned by every file service operation.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable description
	Message string

	// Resource is the URI string the error relates to (if any)
	Resource string

	// Err is the underlying cause, e.g. the provider's own error
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Resource != "" {
		msg += ": " + e.Resource
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, which lets the package
// sentinels be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is. They match by code only.
var (
	ErrUnsupportedScheme      = &Error{Code: CodeUnsupportedScheme, Message: "no provider registered for scheme"}
	ErrProviderUnavailable    = &Error{Code: CodeProviderUnavailable, Message: "provider unavailable"}
	ErrCapabilityNotSupported = &Error{Code: CodeCapabilityNotSupported, Message: "capability not supported"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "resource not found"}
	ErrAlreadyExists          = &Error{Code: CodeAlreadyExists, Message: "resource already exists"}
	ErrNotAFolder             = &Error{Code: CodeNotAFolder, Message: "resource is not a folder"}
	ErrFileIsFolder           = &Error{Code: CodeFileIsFolder, Message: "resource is a folder"}
	ErrNotEmpty               = &Error{Code: CodeNotEmpty, Message: "folder is not empty"}
	ErrConflict               = &Error{Code: CodeConflict, Message: "resource modified since last read"}
	ErrNotModified            = &Error{Code: CodeNotModified, Message: "resource not modified"}
	ErrTooLarge               = &Error{Code: CodeTooLarge, Message: "resource too large"}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrCancelled              = &Error{Code: CodeCancelled, Message: "operation cancelled"}
	ErrProviderInternal       = &Error{Code: CodeProviderInternal, Message: "provider error"}
)

// NewError creates a typed error for a resource.
func NewError(code ErrorCode, resource string, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Resource: resource,
	}
}

// WrapError attaches a code to an underlying error.
func WrapError(code ErrorCode, resource string, err error) *Error {
	return &Error{Code: code, Resource: resource, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return 0
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// FromProvider normalizes an error returned by a provider call.
//
// Typed errors pass through untouched; context errors become CodeCancelled
// (still matching context.Canceled via Unwrap); everything else is wrapped
// verbatim as CodeProviderInternal.
func FromProvider(resource string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapError(CodeCancelled, resource, err)
	}
	return WrapError(CodeProviderInternal, resource, err)
}
