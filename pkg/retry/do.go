package retry

import (
	"context"
	"fmt"
	"time"
)

// ExhaustedError is returned by Do after the last allowed attempt failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, ctx is done,
// or policy.MaxAttempts attempts have been made. Errors from the final
// attempt are wrapped in *ExhaustedError; errors.Is still reaches the cause.
func Do(ctx context.Context, policy Policy, params Params, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p := params
			p.Attempt = attempt - 1
			timer := time.NewTimer(Backoff(p, policy))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}
	}

	return &ExhaustedError{Operation: params.Operation, Attempts: attempts, Err: lastErr}
}
