package domain

import "errors"

var (
	// ErrValidation indicates malformed or out-of-bounds caller input.
	ErrValidation = errors.New("validation error")
	// ErrPaymentGateway indicates the payment provider rejected or failed a call.
	ErrPaymentGateway = errors.New("payment gateway error")
	// ErrChainExecution indicates a chain submission failed or could not be resolved.
	ErrChainExecution = errors.New("chain execution error")
	// ErrSubmissionUnknown indicates a chain call may have been broadcast but its outcome is unknown.
	ErrSubmissionUnknown = errors.New("chain submission outcome unknown")
	// ErrTransient marks an external failure that is safe to retry.
	ErrTransient = errors.New("transient failure")
	// ErrInsufficientFunds indicates the funding account cannot cover an approval.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrIntegrityMismatch indicates confirmed values disagree with the recorded ones.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAuthorization indicates the caller may not perform the transition.
	ErrAuthorization = errors.New("not authorized")
	// ErrInvalidState indicates the operation is not allowed from the current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrStaleStatus indicates a compare-and-set found a different stored status.
	ErrStaleStatus = errors.New("stale status")
	// ErrDuplicateMemo indicates the memo is already held by an open request.
	ErrDuplicateMemo = errors.New("duplicate memo")
	// ErrDuplicateDeposit indicates the deposit already matched another request.
	ErrDuplicateDeposit = errors.New("duplicate deposit")
)

// IsRetryable reports whether err may succeed when attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSubmissionUnknown) || errors.Is(err, ErrTransient)
}

// IsBusinessError reports whether err is a domain outcome or a collaborator
// failure that has already been recorded, as opposed to a storage failure.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrValidation,
		ErrIntegrityMismatch,
		ErrNotFound,
		ErrAuthorization,
		ErrInvalidState,
		ErrStaleStatus,
		ErrInsufficientFunds,
		ErrDuplicateDeposit,
		ErrChainExecution,
		ErrPaymentGateway,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
