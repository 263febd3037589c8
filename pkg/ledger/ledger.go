// Package ledger defines the client contract for the append-only registry
// ledger and the confirmation polling shared by its backends.
//
// Submission and confirmation are separate phases: Submit returns a handle,
// AwaitConfirmation may be called any number of times for that handle.
// Clients keep no memory across calls and never retry internally.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

var (
	// ErrSigningRejected is terminal: the owner declined to sign.
	ErrSigningRejected = wallet.ErrSigningRejected
	// ErrNetworkUnavailable is retryable: the ledger endpoint could not be reached.
	ErrNetworkUnavailable = errors.New("ledger: network unavailable")
	// ErrSubmissionRejected means the node refused the transaction before inclusion.
	ErrSubmissionRejected = errors.New("ledger: submission rejected")
	// ErrNotRegistered is returned by QueryRegistration when the contract holds no entry.
	ErrNotRegistered = errors.New("ledger: fingerprint not registered")
	// ErrUnknownTransaction is returned when a transaction id was never seen.
	ErrUnknownTransaction = errors.New("ledger: unknown transaction")
	// ErrListingUnsupported is returned when a backend cannot enumerate by owner.
	ErrListingUnsupported = errors.New("ledger: listing by owner not supported")
)

// Client talks to the registry contract.
type Client interface {
	// Submit sends one record(fingerprint, owner, ref) transaction.
	Submit(ctx context.Context, fp fingerprint.Fingerprint, owner contracts.Owner, ref contracts.StorageRef) (contracts.TransactionID, error)
	// AwaitConfirmation blocks until the transaction is final, timeout
	// elapses (TIMED_OUT) or ctx is done (CANCELLED).
	AwaitConfirmation(ctx context.Context, txID contracts.TransactionID, timeout time.Duration) (Outcome, error)
	// QueryRegistration reads the contract entry for fp.
	QueryRegistration(ctx context.Context, fp fingerprint.Fingerprint) (contracts.Registration, error)
	// Health reports whether the ledger endpoint is reachable.
	Health(ctx context.Context) error
}

// Lister is implemented by clients that can enumerate the registry entries
// recorded for one owner.
type Lister interface {
	// ListByOwner returns owner's entries, oldest first.
	ListByOwner(ctx context.Context, owner contracts.Owner) ([]contracts.Registration, error)
}

// OutcomeState is the result of waiting on a transaction.
type OutcomeState string

const (
	OutcomeConfirmed OutcomeState = "CONFIRMED"
	OutcomeFailed    OutcomeState = "FAILED"
	OutcomeTimedOut  OutcomeState = "TIMED_OUT"
	OutcomeCancelled OutcomeState = "CANCELLED"
)

// Outcome of AwaitConfirmation.
type Outcome struct {
	State       OutcomeState `json:"state"`
	BlockNumber uint64       `json:"block_number,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Final reports whether the transaction reached a terminal on-chain state.
func (o Outcome) Final() bool {
	return o.State == OutcomeConfirmed || o.State == OutcomeFailed
}
