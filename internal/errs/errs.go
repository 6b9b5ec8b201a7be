// Package errs holds the error taxonomy shared by every lightrag package.
// The root package re-exports these values; callers should compare against
// those with errors.Is.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("lightrag: invalid input")
	ErrEmbedding       = errors.New("lightrag: embedding failed")
	ErrBackendTimeout  = errors.New("lightrag: backend timeout")
	ErrExtractionParse = errors.New("lightrag: extraction output could not be parsed")
	ErrConsistency     = errors.New("lightrag: graph consistency violated")
	ErrNotFound        = errors.New("lightrag: not found")
	ErrClosed          = errors.New("lightrag: engine is closed")
)

// Invalid wraps a formatted message with ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Timeout maps a deadline hit inside a backend call to ErrBackendTimeout.
// The result still matches context.DeadlineExceeded.
func Timeout(err error) error {
	if err == nil || errors.Is(err, ErrBackendTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	return err
}

// Retryable reports whether a backend error is worth another attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrInvalidInput):
		return false
	}
	return true
}
