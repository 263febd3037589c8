// Package registrycache is a lookup accelerator for registrations keyed by
// fingerprint. It is a projection of the ledger: the registry stays correct
// with the Nop cache.
package registrycache

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

// ErrUnavailable wraps cache backend failures.
var ErrUnavailable = errors.New("registrycache: unavailable")

// Entry is a cached registration.
type Entry struct {
	Registration contracts.Registration `json:"registration"`
	CachedAt     time.Time              `json:"cached_at"`
	// Corroborated is set when the value was read back from the ledger
	// rather than written from a local submission.
	Corroborated bool `json:"corroborated"`
}

// Stale reports whether a Pending entry is older than staleness.
// Terminal entries never go stale.
func (e Entry) Stale(now time.Time, staleness time.Duration) bool {
	if e.Registration.Status.Terminal() {
		return false
	}
	return staleness > 0 && now.Sub(e.CachedAt) > staleness
}

// Cache stores entries by fingerprint. Reads and writes for one key are
// linearizable. Put never replaces a CONFIRMED entry with a non-confirmed one.
type Cache interface {
	Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error
}

// replaces reports whether next may overwrite cur.
func replaces(cur, next Entry) bool {
	return cur.Registration.Status != contracts.StatusConfirmed ||
		next.Registration.Status == contracts.StatusConfirmed
}

// Nop caches nothing.
type Nop struct{}

func (Nop) Get(context.Context, fingerprint.Fingerprint) (Entry, bool, error) {
	return Entry{}, false, nil
}
func (Nop) Put(context.Context, Entry) error                          { return nil }
func (Nop) Invalidate(context.Context, fingerprint.Fingerprint) error { return nil }
