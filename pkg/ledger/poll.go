package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CheckFunc inspects a transaction once. It returns done=true with a final
// Outcome once the transaction is CONFIRMED or FAILED.
type CheckFunc func(ctx context.Context) (out Outcome, done bool, err error)

// DefaultPollInterval is used when a backend is not configured with one.
const DefaultPollInterval = 500 * time.Millisecond

// Poll calls check every interval until it reports done, timeout elapses or
// ctx is done. A timeout yields OutcomeTimedOut and cancellation of ctx
// yields OutcomeCancelled; neither is an error. ErrNetworkUnavailable from
// check is logged to logger and polling continues; any other error ends the
// poll.
func Poll(ctx context.Context, logger *slog.Logger, interval, timeout time.Duration, check CheckFunc) (Outcome, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		out, done, err := check(pollCtx)
		if err == nil && done {
			return out, nil
		}
		if err != nil && !errors.Is(err, ErrNetworkUnavailable) && pollCtx.Err() == nil {
			return Outcome{}, err
		}
		if err != nil && pollCtx.Err() == nil {
			logger.WarnContext(ctx, "confirmation check failed, retrying", "error", err)
		}

		select {
		case <-pollCtx.Done():
			return interrupted(ctx), nil
		case <-ticker.C:
		}
	}
}

func interrupted(parent context.Context) Outcome {
	if parent.Err() != nil {
		return Outcome{State: OutcomeCancelled}
	}
	return Outcome{State: OutcomeTimedOut}
}
