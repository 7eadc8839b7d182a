// internal/services/errors.go
package services

import "errors"

// Error taxonomy for the ledger core. Callers match with errors.Is; handlers
// map each class to an HTTP status.
var (
	// ErrValidation: malformed or policy-violating input. Nothing was mutated.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: the referenced payment record or refund request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: a conditional update's expected-state check did not
	// match. Expected under concurrency; means "someone else already acted".
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrExternalService: the refund gateway call failed.
	ErrExternalService = errors.New("external service error")

	// ErrSignatureVerification: an inbound webhook failed authenticity checks.
	// No side effects were applied.
	ErrSignatureVerification = errors.New("webhook signature verification failed")
)
