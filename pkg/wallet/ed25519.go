package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
)

const ed25519Prefix = "ed25519:"

// Ed25519 is a local-chain wallet. Its address is "ed25519:<hex public key>".
type Ed25519 struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519 generates a fresh key.
func NewEd25519() (*Ed25519, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519{priv: priv, pub: pub}, nil
}

// NewEd25519FromSeed derives a key from a 32-byte hex seed.
func NewEd25519FromSeed(seedHex string) (*Ed25519, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (w *Ed25519) Address() contracts.Owner {
	return Ed25519Address(w.pub)
}

func (w *Ed25519) PublicKey() ed25519.PublicKey {
	return w.pub
}

func (w *Ed25519) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(w.priv, payload), nil
}

// Ed25519Address formats the owner identity of a public key.
func Ed25519Address(pub ed25519.PublicKey) contracts.Owner {
	return contracts.Owner(ed25519Prefix + hex.EncodeToString(pub))
}

// ParseEd25519Address extracts the public key from an "ed25519:<hex>" owner.
func ParseEd25519Address(owner contracts.Owner) (ed25519.PublicKey, error) {
	s := string(owner.Normalize())
	if !strings.HasPrefix(s, ed25519Prefix) {
		return nil, fmt.Errorf("owner %q is not an ed25519 address", owner)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, ed25519Prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 address hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyEd25519 checks sig over payload against the key embedded in owner.
func VerifyEd25519(owner contracts.Owner, payload, sig []byte) (bool, error) {
	pub, err := ParseEd25519Address(owner)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, payload, sig), nil
}
