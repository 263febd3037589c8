package registration

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/retry"
)

// ErrContentRegistered is returned by Remove for content that has a pending
// or confirmed registration.
var ErrContentRegistered = errors.New("registration: content is registered")

// ErrContentBusy is returned by Remove while a registration or another
// removal of the same content is still running. Retry once it settles.
var ErrContentBusy = errors.New("registration: content busy")

// List returns owner's registrations as recorded on the ledger, plus any of
// owner's submissions still in flight in this process. Oldest first.
func (c *Coordinator) List(ctx context.Context, owner contracts.Owner) (regs []contracts.Registration, err error) {
	ctx, done := c.telemetry.TrackOperation(ctx, "registration.list", attribute.String("owner", string(owner)))
	defer func() { done(err) }()

	owner = owner.Normalize()
	if owner == "" {
		return nil, ErrInvalidOwner
	}
	lister, ok := c.ledger.(ledger.Lister)
	if !ok {
		return nil, ledger.ErrListingUnsupported
	}

	err = retry.Do(ctx, c.cfg.Retry, retry.Params{Operation: "ledger.list", Key: string(owner)}, retryableLedger,
		func(ctx context.Context, _ int) error {
			var err error
			regs, err = lister.ListByOwner(ctx, owner)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("registration: list: %w", err)
	}

	listed := make(map[string]bool, len(regs))
	for _, reg := range regs {
		listed[reg.Fingerprint.Hex()] = true
		c.remember(ctx, reg, true)
	}
	c.mu.Lock()
	for fp, f := range c.flights {
		if listed[fp.Hex()] {
			continue
		}
		if snap := f.snapshot(); !f.removal && snap.Status != "" && snap.Owner.SameAs(owner) {
			regs = append(regs, snap)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(regs, func(i, j int) bool { return regs[i].SubmittedAt.Before(regs[j].SubmittedAt) })
	return regs, nil
}

// Remove deletes stored content that no active registration points at, such
// as bytes left behind by a failed submission. Registered content is never
// removed.
func (c *Coordinator) Remove(ctx context.Context, ref contracts.StorageRef) (err error) {
	ctx, done := c.telemetry.TrackOperation(ctx, "registration.remove", attribute.String("storage_ref", string(ref)))
	defer func() { done(err) }()

	fp, err := ref.Fingerprint()
	if err != nil {
		return fmt.Errorf("%w: %s", contentstore.ErrInvalidReference, ref)
	}

	// Hold the fingerprint's token so no registration starts mid-removal.
	c.mu.Lock()
	if f, ok := c.flights[fp]; ok {
		c.mu.Unlock()
		snap := f.snapshot()
		switch {
		case f.removal:
			return fmt.Errorf("%w: %s is being removed", ErrContentBusy, fp)
		case snap.Status == "":
			return fmt.Errorf("%w: %s has a registration in progress", ErrContentBusy, fp)
		default:
			return fmt.Errorf("%w: %s is %s", ErrContentRegistered, fp, snap.Status)
		}
	}
	token := &flight{done: make(chan struct{}), removal: true}
	c.flights[fp] = token
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.flights, fp)
		c.mu.Unlock()
		close(token.done)
	}()

	reg, err := c.lookup(ctx, fp)
	switch {
	case errors.Is(err, ErrNotRegistered):
	case err != nil:
		return err
	case reg.Active():
		return fmt.Errorf("%w: %s is %s (tx %s)", ErrContentRegistered, fp, reg.Status, reg.TransactionID)
	}

	if err := c.store.Delete(ctx, ref); err != nil {
		return fmt.Errorf("registration: delete content: %w", err)
	}
	if err := c.cache.Invalidate(ctx, fp); err != nil {
		c.logger.WarnContext(ctx, "cache invalidate failed", "fingerprint", fp.String(), "error", err)
	}
	c.logger.InfoContext(ctx, "unregistered content removed", "storage_ref", string(ref))
	return nil
}
