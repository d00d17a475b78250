package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers classify with errors.Is.
var (
	// ErrInvalidInput is returned before any external call for malformed requests
	// (empty text, non-positive top_k, empty question).
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates a missing document, patient or extraction.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks rate limits and network failures that may be retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that must not be retried with the same input.
	ErrPermanent = errors.New("permanent failure")
	// ErrInputTooLong is a permanent failure caused by input exceeding the model context.
	// The caller should re-chunk smaller rather than retry.
	ErrInputTooLong = fmt.Errorf("%w: input exceeds model context limit", ErrPermanent)
	// ErrGeneration is returned when grounding succeeded but answer generation failed.
	ErrGeneration = errors.New("answer generation failed")
	// ErrConsistency indicates a violated storage invariant. It is a bug, never a retryable state.
	ErrConsistency = errors.New("storage consistency violation")
)

// Invalidf wraps ErrInvalidInput with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
