package api

import "errors"

var (
	// ErrWorkflowNotFound is returned when a workflow has no stored state.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrBlockNotFound is returned when a block (or the parent block of a
	// sub-block edit) no longer exists in the store.
	ErrBlockNotFound = errors.New("block not found")

	// ErrVariableNotFound is returned when a workflow variable no longer
	// exists in the store.
	ErrVariableNotFound = errors.New("variable not found")

	// ErrEdgeNotFound is returned when an edge no longer exists in the store.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrMalformedPayload is returned when a message payload is missing
	// required fields or has the wrong shape.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Retryable classifies an error for the client retry policy. Missing
// entities and malformed payloads are permanent: retrying cannot succeed.
// Everything else (connectivity, transaction conflicts, timeouts) is
// transient.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrWorkflowNotFound),
		errors.Is(err, ErrBlockNotFound),
		errors.Is(err, ErrVariableNotFound),
		errors.Is(err, ErrEdgeNotFound),
		errors.Is(err, ErrMalformedPayload):
		return false
	}
	return true
}
