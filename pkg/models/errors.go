package models

import "errors"

// Error taxonomy shared across the pipeline. Consumers map these onto
// retry-or-DLQ decisions and the HTTP layer maps them onto status codes.
var (
	// ErrValidation marks malformed input or a failed validator. Never
	// retried; the message goes straight to the dead-letter queue.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrency marks a row_version mismatch on a conditional write.
	// Retryable: the caller reloads and tries again.
	ErrConcurrency = errors.New("row version mismatch")

	// ErrNotFound marks a missing document.
	ErrNotFound = errors.New("not found")
)
