package ledger

import "errors"

var (
	// ErrRecordNotFound is returned when an account has no entitlement record
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrPendingNotFound is returned when no pending purchase exists for an email.
	// Callers treat this as a normal outcome: most accounts have nothing to claim.
	ErrPendingNotFound = errors.New("no pending purchase for this email")

	// ErrAlreadyClaimed is returned when a pending purchase was claimed by a different account
	ErrAlreadyClaimed = errors.New("purchase already claimed by another account")

	// ErrClaimTokenMismatch is returned when a supplied claim token does not match the stored one
	ErrClaimTokenMismatch = errors.New("claim token mismatch")

	// ErrInsufficientCredits is returned when a consume request exceeds the remaining balance
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for negative consume amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageUnavailable is returned when the datastore cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
