package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

func TestRegistration_TransitionsAreOneWay(t *testing.T) {
	r := Registration{Status: StatusPending}

	confirmed := r.Confirm(42)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, uint64(42), confirmed.BlockNumber)

	again := confirmed.Fail("late revert")
	assert.Equal(t, StatusConfirmed, again.Status, "confirmed never becomes failed")
	assert.Empty(t, again.FailureReason)

	failed := r.Fail("reverted")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, StatusFailed, failed.Confirm(7).Status)

	assert.True(t, r.Active())
	assert.True(t, confirmed.Active())
	assert.False(t, failed.Active())
}

func TestOwner_SameAs(t *testing.T) {
	assert.True(t, Owner("0xABCdef").SameAs("0xabcDEF"))
	assert.False(t, Owner("alice").SameAs("Alice"))
	assert.True(t, Owner(" alice ").SameAs("alice"))
}

func TestStorageRef_Fingerprint(t *testing.T) {
	fp := fingerprint.Sum([]byte("song"))
	ref := RefFor(fp)

	got, err := ref.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, got)
}

func TestRegistration_JSON(t *testing.T) {
	fp := fingerprint.Sum([]byte("song"))
	in := Registration{
		Fingerprint:   fp,
		Owner:         "0xabc",
		StorageRef:    RefFor(fp),
		SubmittedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TransactionID: "0xdead",
		Status:        StatusPending,
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fingerprint":"sha256:`)

	var out Registration
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}
