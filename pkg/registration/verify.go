package registration

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/retry"
)

// ErrContentMissing is returned when a confirmed registration points at a
// reference whose object is gone from storage.
var ErrContentMissing = errors.New("registration: registered content missing from storage")

// Verdict is the result of verifying stored content.
type Verdict string

const (
	VerdictValid        Verdict = "VALID"
	VerdictTampered     Verdict = "TAMPERED"
	VerdictUnregistered Verdict = "UNREGISTERED"
	// VerdictOwnerMismatch means the content is intact and confirmed, but
	// attributed to someone other than the expected owner.
	VerdictOwnerMismatch Verdict = "OWNER_MISMATCH"
)

// Err returns ErrTampered for a TAMPERED verdict and nil otherwise.
func (v Verdict) Err() error {
	if v == VerdictTampered {
		return ErrTampered
	}
	return nil
}

// Report details a verification.
type Report struct {
	Verdict    Verdict                 `json:"verdict"`
	StorageRef contracts.StorageRef    `json:"storage_ref"`
	Expected   fingerprint.Fingerprint `json:"expected_fingerprint"`
	// Actual is the fingerprint of the bytes currently stored. Zero when
	// no object exists.
	Actual       fingerprint.Fingerprint `json:"actual_fingerprint"`
	Registration *contracts.Registration `json:"registration,omitempty"`
}

// Verify reports whether the bytes stored at ref still match a confirmed
// registration, optionally attributed to expectedOwner.
func (c *Coordinator) Verify(ctx context.Context, ref contracts.StorageRef, expectedOwner contracts.Owner) (Verdict, error) {
	report, err := c.Check(ctx, ref, expectedOwner)
	return report.Verdict, err
}

// Check is Verify with the evidence behind the verdict.
func (c *Coordinator) Check(ctx context.Context, ref contracts.StorageRef, expectedOwner contracts.Owner) (report Report, err error) {
	ctx, done := c.telemetry.TrackOperation(ctx, "registration.verify", attribute.String("storage_ref", string(ref)))
	defer func() { done(err) }()

	expected, err := ref.Fingerprint()
	if err != nil {
		return Report{}, fmt.Errorf("%w: %s", contentstore.ErrInvalidReference, ref)
	}
	report = Report{StorageRef: ref, Expected: expected}
	logger := c.logger.With("storage_ref", string(ref), "fingerprint", expected.String())

	data, found, err := c.fetch(ctx, ref)
	if err != nil {
		return report, err
	}

	reg, registered, err := c.confirmed(ctx, expected)
	if err != nil {
		return report, err
	}
	if registered {
		report.Registration = &reg
	}

	switch {
	case !registered:
		report.Verdict = VerdictUnregistered
		if found {
			report.Actual = fingerprint.Sum(data)
		}
		return report, nil
	case !found:
		logger.ErrorContext(ctx, "registered content missing", "tx_id", reg.TransactionID)
		return report, fmt.Errorf("%w: %s", ErrContentMissing, ref)
	}

	report.Actual = fingerprint.Sum(data)
	switch {
	case !report.Actual.Equal(expected):
		report.Verdict = VerdictTampered
		logger.ErrorContext(ctx, "stored content does not match registration",
			"actual", report.Actual.String(), "tx_id", reg.TransactionID)
	case expectedOwner != "" && !reg.Owner.SameAs(expectedOwner):
		report.Verdict = VerdictOwnerMismatch
		logger.InfoContext(ctx, "content registered to another owner",
			"registered_owner", reg.Owner, "expected_owner", expectedOwner)
	default:
		report.Verdict = VerdictValid
	}
	return report, nil
}

// fetch reads the object at ref. A missing object is reported, not an error.
func (c *Coordinator) fetch(ctx context.Context, ref contracts.StorageRef) ([]byte, bool, error) {
	var data []byte
	err := retry.Do(ctx, c.cfg.Retry, retry.Params{Operation: "store.get", Key: string(ref)}, retryableStore,
		func(ctx context.Context, _ int) error {
			var err error
			data, err = c.store.Get(ctx, ref)
			return err
		})
	switch {
	case err == nil:
		return data, true, nil
	case errors.Is(err, contentstore.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("registration: read content: %w", err)
	}
}

// confirmed returns the CONFIRMED registration for fp that points at fp's
// own reference. A cached value is used only once it has been read back
// from the ledger.
func (c *Coordinator) confirmed(ctx context.Context, fp fingerprint.Fingerprint) (contracts.Registration, bool, error) {
	reg, err := c.lookup(ctx, fp)
	switch {
	case errors.Is(err, ErrNotRegistered):
		return contracts.Registration{}, false, nil
	case err != nil:
		return contracts.Registration{}, false, err
	}
	if reg.Status != contracts.StatusConfirmed {
		return contracts.Registration{}, false, nil
	}
	placed, err := reg.StorageRef.Fingerprint()
	if err != nil || !placed.Equal(fp) {
		return contracts.Registration{}, false, nil
	}
	return reg, true, nil
}
