package protocol

import "errors"

// Error taxonomy for the coordination core. Callers classify failures
// with errors.Is against these sentinels; operations wrap them with
// contextual detail via fmt.Errorf("...: %w", ...).
var (
	// ErrValidation marks malformed input, caught before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown agent or transaction id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a version mismatch, an illegal phase transition
	// or a duplicate registration. Expected under concurrency and safe
	// to retry against fresh state.
	ErrConflict = errors.New("conflict")

	// ErrExpired marks a transaction whose deadline has passed. Expiry
	// is a valid terminal outcome, not an exceptional path.
	ErrExpired = errors.New("transaction expired")

	// ErrInsufficientReputation marks a counterparty below the
	// requester's reputation floor.
	ErrInsufficientReputation = errors.New("insufficient reputation")

	// ErrNegotiationTimeout marks a negotiation that exhausted its
	// rounds without a viable proposal.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrSettlement marks an external settlement failure. The core
	// surfaces it without retrying; retry policy belongs to the
	// settlement collaborator.
	ErrSettlement = errors.New("settlement failed")
)
