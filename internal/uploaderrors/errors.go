// Package uploaderrors defines the typed error taxonomy used across the
// upload engine. Every error surfaced by the persistence store, control-plane
// client, and upload engine is one of five kinds: Fatal, Retryable, Protocol,
// Storage, or Cancelled. A part number can be carried on any of them when the
// failure is attributable to a specific chunk.
package uploaderrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting purposes.
type Kind int

const (
	// KindFatal indicates a non-retryable client error (bad input, invalid
	// state transition, unsupported configuration).
	KindFatal Kind = iota

	// KindRetryable indicates a transient failure (timeout, connection
	// reset, 408/429/500/502/503/504 response) that a caller should retry
	// with backoff.
	KindRetryable

	// KindProtocol indicates the remote endpoint returned a response that
	// violates the expected multipart protocol (missing ETag, malformed
	// XML/JSON, unexpected status for the operation attempted).
	KindProtocol

	// KindStorage indicates a local persistence failure (bbolt I/O error,
	// corrupt record, disk full).
	KindStorage

	// KindCancelled indicates the operation was stopped by an explicit
	// cancellation rather than failing on its own.
	KindCancelled
)

// String returns the taxonomy name used in log fields and wire events.
func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retryable"
	case KindProtocol:
		return "protocol"
	case KindStorage:
		return "storage"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// UploadError is the typed error returned by every component. PartNumber is
// non-nil when the failure is attributable to a specific part upload rather
// than the upload as a whole.
type UploadError struct {
	Kind       Kind
	Message    string
	PartNumber *int
	Err        error
}

func (e *UploadError) Error() string {
	if e.PartNumber != nil {
		if e.Err != nil {
			return fmt.Sprintf("%s: part %d: %s: %v", e.Kind, *e.PartNumber, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: part %d: %s", e.Kind, *e.PartNumber, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Fatal constructs a non-retryable error.
func Fatal(message string, err error) error {
	return &UploadError{Kind: KindFatal, Message: message, Err: err}
}

// Retryable constructs a transient error eligible for backoff-and-retry.
func Retryable(message string, err error) error {
	return &UploadError{Kind: KindRetryable, Message: message, Err: err}
}

// Protocol constructs an error for a malformed or unexpected remote response.
func Protocol(message string, err error) error {
	return &UploadError{Kind: KindProtocol, Message: message, Err: err}
}

// Storage constructs an error for a local persistence failure.
func Storage(message string, err error) error {
	return &UploadError{Kind: KindStorage, Message: message, Err: err}
}

// Cancelled constructs an error representing explicit cancellation.
func Cancelled(message string, err error) error {
	return &UploadError{Kind: KindCancelled, Message: message, Err: err}
}

// WithPart returns a copy of the first *UploadError in err's chain,
// annotated with the part number that caused it; any wrapping around that
// *UploadError is not carried over. Errors with no *UploadError in their
// chain are returned unchanged.
func WithPart(err error, partNumber int) error {
	var ue *UploadError
	if !As(err, &ue) {
		return err
	}
	n := partNumber
	clone := *ue
	clone.PartNumber = &n
	return &clone
}

// Is, As, and Unwrap mirror the standard library so call sites never need to
// import "errors" directly alongside this package.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Unwrap(err error) error { return errors.Unwrap(err) }

// Wrap wraps err with a message, preserving the chain for errors.Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsKind reports whether err (or any error in its chain) is an *UploadError
// of the given kind.
func IsKind(err error, kind Kind) bool {
	var ue *UploadError
	if As(err, &ue) {
		return ue.Kind == kind
	}
	return false
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool { return IsKind(err, KindRetryable) }

// IsCancelled reports whether err represents explicit cancellation.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsFatal reports whether err is a non-retryable client error.
func IsFatal(err error) bool { return IsKind(err, KindFatal) }

// IsProtocol reports whether err is a malformed-response error.
func IsProtocol(err error) bool { return IsKind(err, KindProtocol) }

// IsStorage reports whether err is a local persistence failure.
func IsStorage(err error) bool { return IsKind(err, KindStorage) }
