// Package retry provides bounded exponential backoff with deterministic jitter.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Name        string
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy is used when a caller does not configure one.
var DefaultPolicy = Policy{
	Name:        "default",
	Base:        200 * time.Millisecond,
	Max:         10 * time.Second,
	MaxJitter:   100 * time.Millisecond,
	MaxAttempts: 4,
}

// Params identify a single attempt for jitter derivation.
type Params struct {
	Operation string
	Key       string
	Attempt   int
}

// Backoff returns the delay before the given attempt: Base * 2^Attempt capped
// at Max, plus a jitter derived from the inputs. The same inputs always yield
// the same delay.
func Backoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.Attempt > 0 {
		if params.Attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.Attempt
		}
	}

	delay := policy.Base * time.Duration(factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}

	return delay + Jitter(params, policy)
}

// Jitter is a PRF of the attempt parameters in [0, MaxJitter).
func Jitter(params Params, policy Policy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%s:%d", policy.Name, params.Operation, params.Key, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
