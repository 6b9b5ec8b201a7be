package lightrag

import "github.com/brunobiangulo/lightrag/internal/errs"

var (
	// ErrInvalidInput is returned for bad configuration or query parameters.
	// It is the caller's fault and is never retried.
	ErrInvalidInput = errs.ErrInvalidInput

	// ErrEmbedding is returned when the embedding backend fails or returns
	// vectors of the wrong count or dimension.
	ErrEmbedding = errs.ErrEmbedding

	// ErrBackendTimeout is returned when a model call exceeds its deadline.
	ErrBackendTimeout = errs.ErrBackendTimeout

	// ErrExtractionParse marks model output that could not be parsed into
	// entities and relations. Insert logs and skips such chunks.
	ErrExtractionParse = errs.ErrExtractionParse

	// ErrConsistency is returned when the graph holds a relation whose
	// endpoint entity is missing. It should never happen.
	ErrConsistency = errs.ErrConsistency

	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errs.ErrNotFound

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errs.ErrClosed
)
