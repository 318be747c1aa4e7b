package domain

import "errors"

// Error kinds shared across modules. Handlers map these onto HTTP semantics;
// repositories return them from conditional updates.
var (
	// ErrNotFound - the run/order/user does not exist (or is not visible to
	// the caller).
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized - the caller does not own the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPreconditionFailed - a conditional update lost a race or the
	// expected status did not match. Retry-safe no-op for callers.
	ErrPreconditionFailed = errors.New("precondition failed")
)
