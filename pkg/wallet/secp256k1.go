package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
)

// Secp256k1 is an EVM wallet. Sign expects a 32-byte digest (a transaction
// signing hash) and returns the 65-byte [R || S || V] signature.
type Secp256k1 struct {
	key *ecdsa.PrivateKey
}

// NewSecp256k1 generates a fresh key.
func NewSecp256k1() (*Secp256k1, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Secp256k1{key: key}, nil
}

// NewSecp256k1FromHex loads a hex-encoded private key.
func NewSecp256k1FromHex(keyHex string) (*Secp256k1, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	return &Secp256k1{key: key}, nil
}

// Address is the lower-cased 0x-prefixed account address.
func (w *Secp256k1) Address() contracts.Owner {
	return contracts.Owner(crypto.PubkeyToAddress(w.key.PublicKey).Hex()).Normalize()
}

func (w *Secp256k1) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("secp256k1 wallet signs 32-byte digests, got %d bytes", len(digest))
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}
