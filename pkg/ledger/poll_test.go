package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_Confirmed(t *testing.T) {
	calls := 0
	out, err := Poll(context.Background(), nil, time.Millisecond, time.Second, func(context.Context) (Outcome, bool, error) {
		calls++
		if calls < 3 {
			return Outcome{}, false, nil
		}
		return Outcome{State: OutcomeConfirmed, BlockNumber: 9}, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out.State)
	assert.Equal(t, uint64(9), out.BlockNumber)
	assert.Equal(t, 3, calls)
}

func TestPoll_TimedOut(t *testing.T) {
	out, err := Poll(context.Background(), nil, time.Millisecond, 20*time.Millisecond, func(context.Context) (Outcome, bool, error) {
		return Outcome{}, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out.State)
}

func TestPoll_CancelledIsDistinctFromTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out, err := Poll(ctx, nil, time.Millisecond, time.Hour, func(context.Context) (Outcome, bool, error) {
		return Outcome{}, false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.State)
}

func TestPoll_NetworkErrorsKeepPolling(t *testing.T) {
	calls := 0
	out, err := Poll(context.Background(), nil, time.Millisecond, time.Second, func(context.Context) (Outcome, bool, error) {
		calls++
		if calls == 1 {
			return Outcome{}, false, fmt.Errorf("dial: %w", ErrNetworkUnavailable)
		}
		return Outcome{State: OutcomeFailed, Reason: "reverted"}, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.State)
	assert.True(t, out.Final())
}

func TestPoll_OtherErrorsStop(t *testing.T) {
	_, err := Poll(context.Background(), nil, time.Millisecond, time.Second, func(context.Context) (Outcome, bool, error) {
		return Outcome{}, false, ErrUnknownTransaction
	})
	assert.True(t, errors.Is(err, ErrUnknownTransaction))
}
