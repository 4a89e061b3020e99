package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInvalidEvent is returned for malformed input. It is a local
	// validation failure and must never be retried as-is.
	ErrInvalidEvent = errors.New("invalid ledger event")

	// ErrDuplicateEvent is returned when an event id already exists with
	// different content. Replaying an identical event is not an error.
	ErrDuplicateEvent = errors.New("ledger event id already exists with different content")

	// ErrNotFound is returned when an event id does not exist.
	ErrNotFound = errors.New("ledger event not found")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached or does not answer in time. Callers may retry with backoff.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// IsRetryable reports whether err is a transient store failure that is safe
// to retry. Validation, conflict and not-found errors are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Unavailable wraps err as ErrStoreUnavailable unless it already carries a
// more specific ledger classification.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &storeError{op: op, err: err}
}

// storeError keeps the underlying cause visible to errors.Is/As while
// classifying the failure as ErrStoreUnavailable.
type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string {
	return e.op + ": " + ErrStoreUnavailable.Error() + ": " + e.err.Error()
}

func (e *storeError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *storeError) Unwrap() error { return e.err }

// isTimeout reports whether err came from a cancelled or expired context.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
