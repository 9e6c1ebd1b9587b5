package record

import "errors"

// Error taxonomy for the persistence layer. None of these errors reach the
// callers of write, read or delete operations; they are used to classify what
// happened for logging and metrics.
var (
	// ErrConnectionUnavailable means no store is connected. Writes become
	// no-ops and reads return empty results.
	ErrConnectionUnavailable = errors.New("no store connection available")

	// ErrPartialReplication means exactly one of the primary and shadow
	// writes succeeded.
	ErrPartialReplication = errors.New("record replicated to only one store")

	// ErrRecordNotFound means a delete or lookup target is absent.
	ErrRecordNotFound = errors.New("record not found")

	// ErrMalformedEnvelope means an envelope failed validation, for example a
	// keyed collection written without an ID.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)
