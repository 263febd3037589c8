package wallet

import (
	"fmt"
	"os"
)

// FromEnv builds a single-key Static provider for development setups.
//
// Environment variables:
//   - ECHOCRYPT_WALLET_TYPE: "ed25519" (default) or "secp256k1"
//   - ECHOCRYPT_WALLET_KEY: hex seed (ed25519) or private key (secp256k1)
//
// Without a key an ephemeral ed25519 wallet is generated.
func FromEnv() (*Static, Wallet, error) {
	keyHex := os.Getenv("ECHOCRYPT_WALLET_KEY")
	var (
		w   Wallet
		err error
	)

	switch kind := os.Getenv("ECHOCRYPT_WALLET_TYPE"); kind {
	case "", "ed25519":
		if keyHex == "" {
			w, err = NewEd25519()
		} else {
			w, err = NewEd25519FromSeed(keyHex)
		}
	case "secp256k1":
		if keyHex == "" {
			return nil, nil, fmt.Errorf("ECHOCRYPT_WALLET_KEY is required for secp256k1 wallets")
		}
		w, err = NewSecp256k1FromHex(keyHex)
	default:
		return nil, nil, fmt.Errorf("unsupported wallet type: %s", kind)
	}
	if err != nil {
		return nil, nil, err
	}

	return NewStatic(w), w, nil
}
