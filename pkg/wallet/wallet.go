// Package wallet abstracts the owner's signing capability.
//
// The registry never stores keys. A Provider hands out a Wallet for an
// authenticated owner at submission time; the Wallet may decline to sign.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
)

var (
	// ErrSigningRejected means the owner declined, or had no capability, to sign.
	ErrSigningRejected = errors.New("wallet: signing rejected")
)

// Wallet signs ledger payloads on behalf of one owner.
type Wallet interface {
	Address() contracts.Owner
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Provider resolves the signing capability of an authenticated owner.
type Provider interface {
	Wallet(ctx context.Context, owner contracts.Owner) (Wallet, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, owner contracts.Owner) (Wallet, error)

func (f ProviderFunc) Wallet(ctx context.Context, owner contracts.Owner) (Wallet, error) {
	return f(ctx, owner)
}

// Static is a Provider backed by a fixed set of wallets keyed by address.
type Static struct {
	mu      sync.RWMutex
	wallets map[contracts.Owner]Wallet
}

func NewStatic(wallets ...Wallet) *Static {
	s := &Static{wallets: make(map[contracts.Owner]Wallet, len(wallets))}
	for _, w := range wallets {
		s.Add(w)
	}
	return s
}

// Add registers w under its address.
func (s *Static) Add(w Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.Address().Normalize()] = w
}

func (s *Static) Wallet(_ context.Context, owner contracts.Owner) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[owner.Normalize()]
	if !ok {
		return nil, fmt.Errorf("%w: no wallet connected for %s", ErrSigningRejected, owner)
	}
	return w, nil
}

// Declining is a Wallet whose owner refuses every signature request.
type Declining struct {
	Owner contracts.Owner
}

func (d Declining) Address() contracts.Owner { return d.Owner }

func (d Declining) Sign(context.Context, []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s declined", ErrSigningRejected, d.Owner)
}
