package types

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedType: the declared type is outside the supported set.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrExtractionFailed: corrupt file, parser error or OCR failure.
	ErrExtractionFailed = errors.New("extraction failed")

	ErrEmbeddingService = errors.New("embedding service error")
	ErrVectorIndex      = errors.New("vector index error")
	ErrGenerationFailed = errors.New("generation failed")

	// ErrTenantIsolation means a query result crossed a tenant boundary.
	// It must never happen and is treated as a fatal invariant failure.
	ErrTenantIsolation = errors.New("tenant isolation violation")

	ErrSessionBusy   = errors.New("session is awaiting a response")
	ErrSessionClosed = errors.New("session closed")
	ErrStateConflict = errors.New("state conflict")
	ErrQueueFull     = errors.New("ingestion queue full")
)

// TransientError marks a failure that may succeed if retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
