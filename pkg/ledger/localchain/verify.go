package localchain

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

// ErrChainBroken is returned by VerifyChain when a block or transaction
// no longer matches its sealed hash or signature.
var ErrChainBroken = errors.New("localchain: chain integrity violated")

type storedBlock struct {
	number   int64
	prevHash string
	hash     string
	sealedAt int64
}

// VerifyChain re-walks every block from genesis, recomputing hashes, checking
// prev-hash links and re-verifying transaction signatures. It returns the
// number of blocks checked.
func (c *Chain) VerifyChain(ctx context.Context) (uint64, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(
		`SELECT number, prev_hash, hash, sealed_at FROM registry_blocks ORDER BY number`))
	if err != nil {
		return 0, fmt.Errorf("localchain: list blocks: %w", err)
	}
	var blocks []storedBlock
	for rows.Next() {
		var b storedBlock
		if err := rows.Scan(&b.number, &b.prevHash, &b.hash, &b.sealedAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("localchain: scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	prev := genesisHash
	for i, b := range blocks {
		if b.number != int64(i+1) {
			return uint64(i), fmt.Errorf("%w: expected block %d, found %d", ErrChainBroken, i+1, b.number)
		}
		if b.prevHash != prev {
			return uint64(i), fmt.Errorf("%w: block %d prev_hash does not link", ErrChainBroken, b.number)
		}

		txRows, err := c.db.QueryContext(ctx, c.dialect.rebind(
			`SELECT `+txColumns+` FROM registry_txs WHERE block_number = ? AND state <> ? ORDER BY submitted_at, tx_id`),
			b.number, txPending)
		if err != nil {
			return uint64(i), fmt.Errorf("localchain: list block txs: %w", err)
		}
		txs, err := scanTxRows(txRows)
		if err != nil {
			return uint64(i), fmt.Errorf("localchain: scan block txs: %w", err)
		}

		for _, tx := range txs {
			if err := verifyTx(tx); err != nil {
				return uint64(i), fmt.Errorf("%w: block %d: %v", ErrChainBroken, b.number, err)
			}
		}

		hash, err := hashBlock(blockDoc{
			Number:   uint64(b.number), //nolint:gosec // checked above
			PrevHash: b.prevHash,
			SealedAt: formatTime(time.Unix(0, b.sealedAt)),
			Txs:      txs,
		})
		if err != nil {
			return uint64(i), err
		}
		if hash != b.hash {
			return uint64(i), fmt.Errorf("%w: block %d hash mismatch", ErrChainBroken, b.number)
		}
		prev = b.hash
	}

	if err := c.verifyEntries(ctx); err != nil {
		return uint64(len(blocks)), err
	}

	c.logger.InfoContext(ctx, "chain verified", "blocks", len(blocks))
	return uint64(len(blocks)), nil
}

// verifyEntries checks that the registry index agrees with the included
// transactions: one entry per included tx, carrying that tx's triple.
func (c *Chain) verifyEntries(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(`
		SELECT e.fingerprint, e.owner, e.storage_ref, e.tx_id, e.block_number,
			t.fingerprint, t.owner, t.storage_ref, t.block_number, t.state
		FROM registry_entries e LEFT JOIN registry_txs t ON t.tx_id = e.tx_id`))
	if err != nil {
		return fmt.Errorf("localchain: list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := 0
	for rows.Next() {
		var (
			fp, owner, ref, txID          string
			block                         int64
			txFP, txOwner, txRef, txState sql.NullString
			txBlock                       sql.NullInt64
		)
		if err := rows.Scan(&fp, &owner, &ref, &txID, &block, &txFP, &txOwner, &txRef, &txBlock, &txState); err != nil {
			return fmt.Errorf("localchain: scan entry: %w", err)
		}
		if !txState.Valid || txState.String != txIncluded {
			return fmt.Errorf("%w: entry %s points at tx %s which is not included", ErrChainBroken, fp, txID)
		}
		if txFP.String != fp || txOwner.String != owner || txRef.String != ref || txBlock.Int64 != block {
			return fmt.Errorf("%w: entry %s does not match tx %s", ErrChainBroken, fp, txID)
		}
		entries++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var included int
	if err := c.db.QueryRowContext(ctx, c.dialect.rebind(
		`SELECT COUNT(*) FROM registry_txs WHERE state = ?`), txIncluded).Scan(&included); err != nil {
		return fmt.Errorf("localchain: count included txs: %w", err)
	}
	if included != entries {
		return fmt.Errorf("%w: %d included transactions but %d registry entries", ErrChainBroken, included, entries)
	}
	return nil
}

func verifyTx(tx txRow) error {
	payload, err := canonical(recordCall{
		Method:      "record",
		Fingerprint: tx.Fingerprint,
		Owner:       tx.Owner,
		StorageRef:  tx.StorageRef,
		Nonce:       tx.Nonce,
		SubmittedAt: tx.SubmittedAt,
	})
	if err != nil {
		return err
	}
	if keccak256Hex(payload) != tx.TxID {
		return fmt.Errorf("tx %s: id does not match body", tx.TxID)
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		return fmt.Errorf("tx %s: signature encoding: %w", tx.TxID, err)
	}
	ok, err := wallet.VerifyEd25519(contracts.Owner(tx.Owner), payload, sig)
	if err != nil || !ok {
		return fmt.Errorf("tx %s: bad signature", tx.TxID)
	}
	return nil
}
