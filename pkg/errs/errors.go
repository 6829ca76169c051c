package errs

import "errors"

// Sentinel errors used across the engine. Callers match with errors.Is so
// wrapped variants (fmt.Errorf %w, pkg/errors) stay detectable.
var (
	// ErrDuplicateMessage signals an append for an already-committed message
	// id. Benign: the store returns the original sequence alongside it.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNotFound is returned when a referenced message or conversation does
	// not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned on permission violations, e.g. editing a
	// message authored by someone else.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition is returned when a delivery state update would
	// move a record backwards (read -> delivered and the like).
	ErrInvalidTransition = errors.New("invalid delivery state transition")

	// ErrTransportFailure marks a retryable send failure.
	ErrTransportFailure = errors.New("transport failure")

	// ErrPermanentFailure marks a non-retryable send failure (recipient
	// removed, blocked). The outbox surfaces it without retrying.
	ErrPermanentFailure = errors.New("permanent transport failure")
)
