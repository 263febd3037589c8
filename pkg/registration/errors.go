package registration

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/retry"
)

var (
	// ErrInvalidOwner is returned when no owner identity is supplied.
	ErrInvalidOwner = errors.New("registration: owner identity required")
	// ErrCancelled is returned when the caller's context ends before the
	// registration settles. The submission itself continues.
	ErrCancelled = errors.New("registration: cancelled")
	// ErrTimedOut is returned when confirmation did not arrive within the
	// configured polls. The registration stays PENDING and may still confirm.
	ErrTimedOut = errors.New("registration: confirmation timed out")
	// ErrTransactionFailed is returned when the ledger reverted the transaction.
	ErrTransactionFailed = errors.New("registration: transaction failed")
	// ErrNotRegistered is returned by Status for unknown fingerprints.
	ErrNotRegistered = ledger.ErrNotRegistered
	// ErrTampered marks an integrity failure found during verification.
	ErrTampered = errors.New("registration: stored bytes do not match registered fingerprint")
)

// Class is the handling category of an error.
type Class string

const (
	// ClassInput errors are caller mistakes, reported immediately and never retried.
	ClassInput Class = "INPUT"
	// ClassTransient errors are infrastructure failures; the caller may resubmit.
	ClassTransient Class = "TRANSIENT"
	// ClassConsent errors are terminal owner decisions.
	ClassConsent Class = "CONSENT"
	// ClassIntegrity errors mean stored content no longer matches the ledger.
	ClassIntegrity Class = "INTEGRITY"
	// ClassInternal is everything else.
	ClassInternal Class = "INTERNAL"
)

// Classify maps err onto its handling category. A nil error is ClassInternal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrTampered), errors.Is(err, ErrContentMissing):
		return ClassIntegrity
	case errors.Is(err, ledger.ErrSigningRejected):
		return ClassConsent
	case errors.Is(err, fingerprint.ErrEmptyPayload),
		errors.Is(err, fingerprint.ErrPayloadTooLarge),
		errors.Is(err, fingerprint.ErrInvalid),
		errors.Is(err, contentstore.ErrInvalidReference),
		errors.Is(err, ErrInvalidOwner),
		errors.Is(err, ErrContentRegistered),
		errors.Is(err, ledger.ErrListingUnsupported):
		return ClassInput
	case errors.Is(err, contentstore.ErrUnavailable),
		errors.Is(err, ledger.ErrNetworkUnavailable),
		errors.Is(err, ErrTimedOut),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrContentBusy),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassInternal
	}
}

// IsRetryable reports whether resubmitting the same request may succeed.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// Retryable infrastructure errors for the internal retry loops. Exhausted
// loops are not retried again at an outer level.
func retryableStore(err error) bool {
	var exhausted *retry.ExhaustedError
	return errors.Is(err, contentstore.ErrUnavailable) && !errors.As(err, &exhausted)
}

func retryableLedger(err error) bool {
	var exhausted *retry.ExhaustedError
	return errors.Is(err, ledger.ErrNetworkUnavailable) && !errors.As(err, &exhausted)
}
