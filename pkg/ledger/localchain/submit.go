package localchain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

// recordCall is the signed body of a record(fingerprint, owner, ref) transaction.
type recordCall struct {
	Method      string `json:"method"`
	Fingerprint string `json:"fingerprint"`
	Owner       string `json:"owner"`
	StorageRef  string `json:"storage_ref"`
	Nonce       string `json:"nonce"`
	SubmittedAt string `json:"submitted_at"`
}

// canonical returns the RFC 8785 encoding of v.
func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// keccak256Hex hashes b with legacy Keccak-256 and returns 0x-prefixed hex.
func keccak256Hex(b []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Submit signs and queues a record transaction. The owner's wallet is
// resolved through the configured provider and must be an ed25519 wallet
// whose address equals owner.
func (c *Chain) Submit(ctx context.Context, fp fingerprint.Fingerprint, owner contracts.Owner, ref contracts.StorageRef) (contracts.TransactionID, error) {
	if c.cfg.Wallets == nil {
		return "", fmt.Errorf("%w: no wallet provider configured", ledger.ErrSigningRejected)
	}
	w, err := c.cfg.Wallets.Wallet(ctx, owner)
	if err != nil {
		if errors.Is(err, wallet.ErrSigningRejected) {
			return "", err
		}
		return "", fmt.Errorf("%w: resolve wallet: %v", ledger.ErrSigningRejected, err)
	}
	if !w.Address().SameAs(owner) {
		return "", fmt.Errorf("%w: wallet %s cannot sign for %s", ledger.ErrSubmissionRejected, w.Address(), owner)
	}

	now := c.cfg.Clock().UTC()
	call := recordCall{
		Method:      "record",
		Fingerprint: fp.String(),
		Owner:       string(owner.Normalize()),
		StorageRef:  string(ref),
		Nonce:       uuid.NewString(),
		SubmittedAt: formatTime(now),
	}
	payload, err := canonical(call)
	if err != nil {
		return "", fmt.Errorf("localchain: encode call: %w", err)
	}

	sig, err := w.Sign(ctx, payload)
	if err != nil {
		if errors.Is(err, wallet.ErrSigningRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ledger.ErrSigningRejected, err)
	}

	ok, err := wallet.VerifyEd25519(contracts.Owner(call.Owner), payload, sig)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: invalid signature for %s", ledger.ErrSubmissionRejected, owner)
	}

	txID := keccak256Hex(payload)
	_, err = c.db.ExecContext(ctx, c.dialect.rebind(`
		INSERT INTO registry_txs (tx_id, fingerprint, owner, storage_ref, nonce, signature, submitted_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		txID, call.Fingerprint, call.Owner, call.StorageRef, call.Nonce, hex.EncodeToString(sig), now.UnixNano(), txPending,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert tx: %v", ledger.ErrNetworkUnavailable, err)
	}

	c.logger.DebugContext(ctx, "tx submitted", "tx_id", txID, "fingerprint", call.Fingerprint)
	return contracts.TransactionID(txID), nil
}
