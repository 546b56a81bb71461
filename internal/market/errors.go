package market

import "errors"

var (
	// ErrDataUnavailable marks a missing upstream quote, price or history. Retried on the next run.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrIntegrityViolation marks a write that would break a uniqueness or reference rule.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrExternalFailure marks a quote-source or store error scoped to one item.
	ErrExternalFailure = errors.New("external failure")
	ErrNotFound        = errors.New("not found")
)
