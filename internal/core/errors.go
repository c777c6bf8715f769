package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("entry not found")

	// ErrConflict means the store already holds a different transaction
	// under the id being appended.
	ErrConflict = errors.New("id already taken in store")

	// ErrQuotaExhausted marks a store rejection caused by request volume.
	ErrQuotaExhausted = errors.New("store quota exhausted")

	// ErrTransientStore marks network failures and timeouts talking to the store.
	ErrTransientStore = errors.New("transient store error")
)

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field string
	Err   error
}

func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IsRetryable reports whether a store error should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}
