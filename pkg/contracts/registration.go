// Package contracts holds the value types shared by the registry components.
package contracts

import (
	"strings"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

// Owner is an externally authenticated principal, typically a wallet address.
// It is trusted as given.
type Owner string

// Normalize lowercases hex addresses so "0xAB.." and "0xab.." compare equal.
func (o Owner) Normalize() Owner {
	s := strings.TrimSpace(string(o))
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return Owner(strings.ToLower(s))
	}
	return Owner(s)
}

// SameAs compares owners after normalization.
func (o Owner) SameAs(other Owner) bool {
	return o.Normalize() == other.Normalize()
}

// StorageRef locates stored bytes. It is a CIDv1 (raw, sha2-256) string.
type StorageRef string

// Fingerprint decodes the fingerprint the reference was placed under.
func (r StorageRef) Fingerprint() (fingerprint.Fingerprint, error) {
	return fingerprint.FromCID(string(r))
}

// RefFor returns the storage reference for a fingerprint.
func RefFor(fp fingerprint.Fingerprint) StorageRef {
	return StorageRef(fp.CID().String())
}

// TransactionID is the ledger-assigned handle of a submitted transaction.
type TransactionID string

// Status is the lifecycle state of a Registration.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Registration binds a fingerprint to an owner and a storage reference.
//
// Status moves PENDING -> CONFIRMED or PENDING -> FAILED and never changes
// afterwards. A retry after FAILED produces a new Registration with a new
// TransactionID.
type Registration struct {
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint"`
	Owner         Owner                   `json:"owner"`
	StorageRef    StorageRef              `json:"storage_ref"`
	SubmittedAt   time.Time               `json:"submitted_at"`
	TransactionID TransactionID           `json:"transaction_id,omitempty"`
	Status        Status                  `json:"status"`
	BlockNumber   uint64                  `json:"block_number,omitempty"`
	FailureReason string                  `json:"failure_reason,omitempty"`
}

// Active reports whether r blocks a new submission for its fingerprint.
func (r Registration) Active() bool {
	return r.Status == StatusPending || r.Status == StatusConfirmed
}

// Confirm returns a copy of r in the CONFIRMED state. Terminal registrations
// are returned unchanged.
func (r Registration) Confirm(block uint64) Registration {
	if r.Status.Terminal() {
		return r
	}
	r.Status = StatusConfirmed
	r.BlockNumber = block
	return r
}

// Fail returns a copy of r in the FAILED state. Terminal registrations are
// returned unchanged.
func (r Registration) Fail(reason string) Registration {
	if r.Status.Terminal() {
		return r
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	return r
}
