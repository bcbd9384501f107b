package metadata

import (
	"errors"
	"fmt"
)

// Error represents a domain error from gateway operations.
//
// These are filesystem-level outcomes (file not found, permission denied,
// stale write token, ...) as opposed to raw infrastructure errors. Raw errors
// from storage backends or transports are wrapped in an Error with an
// appropriate code before they cross a package boundary, so callers can
// always classify a failure with CodeOf.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the filesystem path related to the error (if applicable)
	Path string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = msg + ": " + e.Path
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a gateway error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested file or directory doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrNotDirectory indicates the operation expected a directory
	ErrNotDirectory

	// ErrIsDirectory indicates the operation expected a file but got a directory
	ErrIsDirectory

	// ErrAccessDenied indicates a permission check failed
	ErrAccessDenied

	// ErrAlreadyExists indicates a file/directory with the name already exists
	ErrAlreadyExists

	// ErrNotEmpty indicates a directory is not empty
	ErrNotEmpty

	// ErrStale indicates an optimistic-concurrency token (write nonce,
	// version) no longer matches. Always retryable after revalidation.
	ErrStale

	// ErrRemoteDataInvalid indicates authoritative metadata violates
	// structural assumptions (e.g. a directory nested under a file)
	ErrRemoteDataInvalid

	// ErrInconsistent indicates the local tree could not be brought in line
	// with the authoritative view
	ErrInconsistent

	// ErrRemoteUnavailable indicates a network or transport failure
	ErrRemoteUnavailable

	// ErrCorrupted indicates a content-hash mismatch on a downloaded block
	ErrCorrupted

	// ErrInvalid indicates invalid arguments (malformed path, bad flags)
	ErrInvalid

	// ErrIO is the uniform I/O-class failure reported after a write-back revert
	ErrIO

	// ErrNotSupported indicates the operation is not supported by a collaborator
	ErrNotSupported

	// ErrNoAttribute indicates the named extended attribute is not set
	ErrNoAttribute
)

var codeNames = map[ErrorCode]string{
	ErrNotFound:          "not found",
	ErrNotDirectory:      "not a directory",
	ErrIsDirectory:       "is a directory",
	ErrAccessDenied:      "access denied",
	ErrAlreadyExists:     "already exists",
	ErrNotEmpty:          "directory not empty",
	ErrStale:             "stale",
	ErrRemoteDataInvalid: "remote data invalid",
	ErrInconsistent:      "inconsistent",
	ErrRemoteUnavailable: "remote unavailable",
	ErrCorrupted:         "corrupted",
	ErrInvalid:           "invalid argument",
	ErrIO:                "i/o error",
	ErrNotSupported:      "not supported",
	ErrNoAttribute:       "no such attribute",
}

// String returns the short name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error(%d)", int(c))
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, message, path string) *Error {
	return &Error{Code: code, Message: message, Path: path}
}

// Errorf creates an Error with a formatted message and no path.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code around an underlying cause.
// If cause already carries a code, that code is preserved.
func Wrap(code ErrorCode, cause error, message string) *Error {
	var existing *Error
	if errors.As(cause, &existing) {
		return &Error{Code: existing.Code, Message: message, Path: existing.Path, Err: cause}
	}
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf extracts the error code from err.
//
// Returns false if err does not wrap an *Error.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return HasCode(err, ErrNotFound) }

// IsStale reports whether err is a Stale error.
func IsStale(err error) bool { return HasCode(err, ErrStale) }

// IsRemoteUnavailable reports whether err is a transport failure.
func IsRemoteUnavailable(err error) bool { return HasCode(err, ErrRemoteUnavailable) }
