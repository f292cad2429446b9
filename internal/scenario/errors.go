package scenario

import "errors"

var (
	ErrNotFound = errors.New("scenario not found")
	// ErrInconclusive marks a run whose checks could not be evaluated, for
	// example because the state hook is unavailable.
	ErrInconclusive = errors.New("scenario inconclusive")
	ErrAssertion    = errors.New("assertion failed")
)
