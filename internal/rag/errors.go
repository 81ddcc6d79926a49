package rag

import (
	"context"
	"errors"
)

// Error taxonomy shared by every pipeline stage. Callers match with
// errors.Is; producers wrap with fmt.Errorf("pkg: verb: %w", ErrX).
var (
	// ErrConfiguration reports an unknown query-type label or a missing or
	// invalid configuration value. Fatal at startup, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidInput reports a violated call precondition.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbedding reports a failed embedding call or malformed embedding output.
	ErrEmbedding = errors.New("embedding error")

	// ErrStore reports a persistence failure in the document store.
	ErrStore = errors.New("store error")

	// ErrCollectionNotFound reports a query against a collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch reports a vector whose width differs from the
	// collection's index width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreBusy reports a query that arrived during an exclusive
	// save or cleanup window. Retry after a short delay.
	ErrStoreBusy = errors.New("store busy")

	// ErrUpstreamGeneration reports a failed LLM generation call.
	ErrUpstreamGeneration = errors.New("upstream generation error")

	// ErrTransient marks a failure worth retrying later, such as a timeout.
	ErrTransient = errors.New("transient failure")
)

// IsTransient reports whether err is a retryable failure: explicitly marked
// transient, a store-busy answer, or a context deadline.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrStoreBusy) ||
		errors.Is(err, context.DeadlineExceeded)
}
