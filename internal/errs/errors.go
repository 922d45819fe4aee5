// Package errs provides the unified error type used across the file storage.
//
// Every backend (local disk, MinIO, SFTP, SQL blobs, …) wraps its native
// errors into *errs.Error before returning them. Registries use the same
// type for structural failures such as an unknown bucket or a malformed
// sub-directory template. Callers use the Is* predicates to branch on the
// kind without importing driver-specific packages.
//
// Usage:
//
//	// In a backend, wrap native errors:
//	return errs.Wrap(errs.ErrKindIOFailed, "unable to write object", err)
//
//	// In a handler, check the error kind:
//	if errs.IsNotFound(err) {
//	    http.Error(w, "not found", http.StatusNotFound)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing backend-specific codes.
type ErrKind int

const (
	ErrKindUnknown            ErrKind = iota
	ErrKindNotFound                   // no file, no bucket, no storage
	ErrKindInvalidArgument            // malformed registry input or bad caller arguments
	ErrKindUnknownPlaceholder         // sub-dir template names an unsupported placeholder
	ErrKindIOFailed                   // read/write against the backing medium failed
	ErrKindConnectionFailed           // cannot reach the backend
	ErrKindTimeout                    // context deadline / cancellation
	ErrKindPermissionDenied           // access denied / auth failure
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindInvalidArgument:
		return "invalid_argument"
	case ErrKindUnknownPlaceholder:
		return "unknown_placeholder"
	case ErrKindIOFailed:
		return "io_failed"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindPermissionDenied:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the storage packages.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original backend error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a formatted message.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind ErrKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// --- Predicates ---

// IsNotFound reports whether err represents a missing file, bucket or storage.
func IsNotFound(err error) bool {
	return kindOf(err) == ErrKindNotFound
}

// IsInvalidArgument reports whether err was caused by bad input from the caller.
func IsInvalidArgument(err error) bool {
	return kindOf(err) == ErrKindInvalidArgument
}

// IsUnknownPlaceholder reports whether err comes from a sub-directory
// template that references a placeholder nobody can resolve.
func IsUnknownPlaceholder(err error) bool {
	return kindOf(err) == ErrKindUnknownPlaceholder
}

// IsIOFailed reports whether err is a read/write failure on the backing medium.
func IsIOFailed(err error) bool {
	return kindOf(err) == ErrKindIOFailed
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return kindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity failure.
func IsConnectionFailed(err error) bool {
	return kindOf(err) == ErrKindConnectionFailed
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return kindOf(err) == ErrKindPermissionDenied
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	return kindOf(err)
}

func kindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
