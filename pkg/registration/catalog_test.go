package registration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/echocrypt/pkg/contentstore"
	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/registrycache"
)

// listingLedger adds owner enumeration to fakeLedger.
type listingLedger struct {
	*fakeLedger
}

func (l listingLedger) ListByOwner(_ context.Context, owner contracts.Owner) ([]contracts.Registration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.Registration
	for _, reg := range l.entries {
		if reg.Owner.SameAs(owner) {
			out = append(out, reg)
		}
	}
	return out, nil
}

func fingerprints(regs []contracts.Registration) []fingerprint.Fingerprint {
	out := make([]fingerprint.Fingerprint, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.Fingerprint)
	}
	return out
}

func TestList_UnsupportedBackend(t *testing.T) {
	c := newTestCoordinator(t, newCountingStore(), newFakeLedger(), nil, testConfig())
	_, err := c.List(context.Background(), alice)
	assert.ErrorIs(t, err, ledger.ErrListingUnsupported)
	assert.Equal(t, ClassInput, Classify(err))
}

func TestList_RequiresOwner(t *testing.T) {
	c := newTestCoordinator(t, newCountingStore(), listingLedger{newFakeLedger()}, nil, testConfig())
	_, err := c.List(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestList_ReturnsOwnersRegistrations(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, newCountingStore(), listingLedger{newFakeLedger()}, registrycache.NewMemory(), testConfig())

	var mine []fingerprint.Fingerprint
	for _, take := range []string{"verse", "chorus"} {
		rcpt, err := c.Register(ctx, strings.NewReader(take), alice, take+".wav")
		require.NoError(t, err)
		mine = append(mine, rcpt.Registration.Fingerprint)
	}
	_, err := c.Register(ctx, strings.NewReader("bridge"), bob, "bridge.wav")
	require.NoError(t, err)

	regs, err := c.List(ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, mine, fingerprints(regs))
	for _, reg := range regs {
		assert.Equal(t, contracts.StatusConfirmed, reg.Status)
	}
}

func TestList_IncludesSubmissionsInFlight(t *testing.T) {
	l := listingLedger{newFakeLedger()}
	l.holdConfirmations()
	c := newTestCoordinator(t, newCountingStore(), l, registrycache.NewMemory(), testConfig())
	fp := fingerprint.Sum([]byte("unmixed"))

	done := make(chan error, 1)
	go func() {
		_, err := c.Register(context.Background(), strings.NewReader("unmixed"), alice, "")
		done <- err
	}()
	require.Eventually(t, func() bool {
		snap, ok := c.inFlight(fp)
		return ok && snap.TransactionID != ""
	}, time.Second, time.Millisecond)

	regs, err := c.List(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, fp, regs[0].Fingerprint)
	assert.Equal(t, contracts.StatusPending, regs[0].Status)

	regs, err = c.List(context.Background(), bob)
	require.NoError(t, err)
	assert.Empty(t, regs)

	l.release()
	require.NoError(t, <-done)
}

func TestRemove_RefusesRegisteredContent(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	c := newTestCoordinator(t, store, newFakeLedger(), registrycache.NewMemory(), testConfig())

	rcpt, err := c.Register(ctx, strings.NewReader("keeper"), alice, "")
	require.NoError(t, err)

	err = c.Remove(ctx, rcpt.Registration.StorageRef)
	assert.ErrorIs(t, err, ErrContentRegistered)
	exists, err := store.Exists(ctx, rcpt.Registration.StorageRef)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRemove_DeletesContentLeftByFailedSubmission(t *testing.T) {
	ctx := context.Background()
	store, l := newCountingStore(), newFakeLedger()
	l.submitErrs = []error{ledger.ErrSigningRejected}
	c := newTestCoordinator(t, store, l, registrycache.NewMemory(), testConfig())

	_, err := c.Register(ctx, strings.NewReader("declined take"), alice, "")
	require.ErrorIs(t, err, ledger.ErrSigningRejected)
	ref := contracts.RefFor(fingerprint.Sum([]byte("declined take")))
	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	require.True(t, exists, "bytes stay in place after a failed submission")

	require.NoError(t, c.Remove(ctx, ref))
	exists, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	// The fingerprint can be registered again afterwards.
	rcpt, err := c.Register(ctx, strings.NewReader("declined take"), alice, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, rcpt.Registration.Status)
}

func TestRemove_InvalidReference(t *testing.T) {
	c := newTestCoordinator(t, newCountingStore(), newFakeLedger(), nil, testConfig())
	err := c.Remove(context.Background(), "not-a-cid")
	assert.ErrorIs(t, err, contentstore.ErrInvalidReference)
}

func TestRemove_RegistrationWaitsForRemoval(t *testing.T) {
	c := newTestCoordinator(t, newCountingStore(), newFakeLedger(), nil, testConfig())
	fp := fingerprint.Sum([]byte("contested"))

	token := &flight{done: make(chan struct{}), removal: true}
	c.mu.Lock()
	c.flights[fp] = token
	c.mu.Unlock()

	err := c.Remove(context.Background(), contracts.RefFor(fp))
	assert.ErrorIs(t, err, ErrContentBusy)
	assert.Contains(t, err.Error(), "being removed")

	done := make(chan error, 1)
	go func() {
		_, err := c.Register(context.Background(), strings.NewReader("contested"), alice, "")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("Register returned during removal: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.mu.Lock()
	delete(c.flights, fp)
	c.mu.Unlock()
	close(token.done)
	require.NoError(t, <-done)
}

func TestRemove_RegistrationNotYetSubmittedIsBusy(t *testing.T) {
	store := newCountingStore()
	c := newTestCoordinator(t, store, newFakeLedger(), nil, testConfig())
	fp := fingerprint.Sum([]byte("uploading"))

	// A flight that has not stored or submitted anything yet.
	f := &flight{done: make(chan struct{})}
	c.mu.Lock()
	c.flights[fp] = f
	c.mu.Unlock()

	err := c.Remove(context.Background(), contracts.RefFor(fp))
	require.ErrorIs(t, err, ErrContentBusy)
	assert.NotErrorIs(t, err, ErrContentRegistered)
	assert.Contains(t, err.Error(), "registration in progress")
	assert.True(t, IsRetryable(err))

	f.observe(contracts.Registration{Fingerprint: fp, Owner: alice, Status: contracts.StatusPending, TransactionID: "tx-7"})
	err = c.Remove(context.Background(), contracts.RefFor(fp))
	assert.ErrorIs(t, err, ErrContentRegistered)
	assert.Contains(t, err.Error(), "PENDING")
}
