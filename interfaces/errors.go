package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderUnavailable means the backend has no usable configuration
	// or credentials. Never retried; the manager falls back instead.
	ErrProviderUnavailable = errors.New("storage provider unavailable")

	// ErrTransientUpload marks a failure worth retrying with backoff.
	ErrTransientUpload = errors.New("transient upload failure")

	// ErrImmutableBackend is returned when a delete is attempted against a
	// write-once backend. It must propagate distinctly and never be retried.
	ErrImmutableBackend = errors.New("backend is immutable, delete rejected")

	// ErrContentNotFound is returned when a backend has no object under the
	// requested key.
	ErrContentNotFound = errors.New("content not found")

	// ErrValidation marks a file rejected before any upload was attempted.
	ErrValidation = errors.New("validation failed")

	// ErrIdentity means the caller's credential could not be resolved to
	// an owner; nothing was uploaded.
	ErrIdentity = errors.New("failed to resolve identity")

	// ErrEdgeNotFound is returned by the ledger when no edge exists for a
	// key. Distinct from an edge with Present == false.
	ErrEdgeNotFound = errors.New("storage edge not found")

	// ErrInvalidSyncTransition is returned for sync-state transitions the
	// state machine does not allow.
	ErrInvalidSyncTransition = errors.New("invalid sync state transition")
)

// UploadError reports a logical upload that exhausted its retries against a
// single backend. Provider names the backend that produced the final cause.
type UploadError struct {
	Provider string
	Backend  BackendKind
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload to %s failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// AggregateUploadError reports a replicated upload for which every configured
// backend failed. Causes holds one error per backend.
type AggregateUploadError struct {
	Causes map[BackendKind]error
}

func (e *AggregateUploadError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for backend, err := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", backend, err))
	}
	return "all backends failed: " + strings.Join(parts, "; ")
}

// DeleteError reports a failed backend delete, tagged so callers can tell an
// immutable-backend rejection from a transient failure.
type DeleteError struct {
	Backend   BackendKind
	Key       string
	Immutable bool
	Err       error
}

func (e *DeleteError) Error() string {
	if e.Immutable {
		return fmt.Sprintf("delete %s from %s rejected: %v", e.Key, e.Backend, e.Err)
	}
	return fmt.Sprintf("delete %s from %s failed: %v", e.Key, e.Backend, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// ValidationError describes a pre-upload rejection with the field that
// triggered it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
