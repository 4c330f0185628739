package biovault

import (
	"errors"
	"fmt"

	"github.com/hupe1980/biovault/blobstore"
	"github.com/hupe1980/biovault/index"
)

var (
	// ErrUserNotFound is returned when the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrTemplateNotFound is returned when the referenced template does not exist.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrNoEmbedding is returned when an enrollment or query carries neither
	// an embedding nor raw features.
	ErrNoEmbedding = errors.New("no embedding provided")

	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("database is closed")

	// ErrTooManyAttempts is returned when the per-user attempt throttle
	// rejects a verification before any matching work.
	ErrTooManyAttempts = errors.New("too many verification attempts")

	// ErrBackupUnsupported is returned when Backup is called on a database
	// whose blob backend is not the local filesystem.
	ErrBackupUnsupported = errors.New("backup requires a local blob store")
)

// ValidationError indicates input rejected before any mutation; nothing was
// persisted.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.cause }

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func dimensionValidationError(field string, expected, actual int) *ValidationError {
	cause := &index.ErrDimensionMismatch{Expected: expected, Actual: actual}
	return &ValidationError{Field: field, Reason: cause.Error(), cause: cause}
}

// LockedAccountError indicates an authentication attempt against a locked
// account, rejected before any embedding comparison work.
type LockedAccountError struct {
	UserID           string
	RemainingMinutes int
}

func (e *LockedAccountError) Error() string {
	return fmt.Sprintf("account %s is locked for %d more minute(s)", e.UserID, e.RemainingMinutes)
}

// PersistenceError indicates a storage write or read failure. The operation
// that triggered it failed as a whole; in-memory state was not committed.
//
// The original underlying error can be accessed via errors.Unwrap.
type PersistenceError struct {
	Op    string
	cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.cause)
}

func (e *PersistenceError) Unwrap() error { return e.cause }

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, cause: err}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrTemplateNotFound, err)
	}
	return err
}
