package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord signals a scraped record missing required fields.
	// Such records are skipped and logged, never fatal to an ingest batch.
	ErrMalformedRecord = errors.New("malformed source record")
	// ErrInvalidChunkConfig signals an unusable chunking configuration.
	// Fatal at startup: this is a configuration error, not a data error.
	ErrInvalidChunkConfig = errors.New("invalid chunk config")
	// ErrEmbeddingProvider signals an embedding provider failure after retries.
	ErrEmbeddingProvider = errors.New("embedding provider error")
	// ErrIndexUnavailable signals that the vector index backing store cannot
	// be reached. Serving refuses queries rather than degrading silently.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrGeneration signals a generation provider failure after retries.
	// Surfaced to the caller as a retryable condition, never substituted
	// with a fabricated answer.
	ErrGeneration = errors.New("generation provider error")
	// ErrVectorDimMismatch signals a vector dimension mismatch against the
	// configured embedding model.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrRateLimited signals a provider rate limit hit (retryable).
	ErrRateLimited = errors.New("rate limited")
	// ErrEmbeddingQuotaExceeded signals an exhausted embedding token budget.
	ErrEmbeddingQuotaExceeded = errors.New("embedding quota exceeded")
)

// DocumentFailure reports a single document skipped during an ingest run.
// Failures are per-document isolated: one bad document never blocks others.
type DocumentFailure struct {
	DocumentID string
	Stage      string
	Err        error
}

func (f *DocumentFailure) Error() string {
	return fmt.Sprintf("document %s failed at %s: %v", f.DocumentID, f.Stage, f.Err)
}

func (f *DocumentFailure) Unwrap() error { return f.Err }
