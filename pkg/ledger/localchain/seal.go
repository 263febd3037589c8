package localchain

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Block summarizes one sealed block.
type Block struct {
	Number   uint64    `json:"number"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
	SealedAt time.Time `json:"sealed_at"`
	Included int       `json:"included"`
	Reverted int       `json:"reverted"`
}

type txRow struct {
	TxID        string `json:"tx_id"`
	Fingerprint string `json:"fingerprint"`
	Owner       string `json:"owner"`
	StorageRef  string `json:"storage_ref"`
	Nonce       string `json:"nonce"`
	SubmittedAt string `json:"submitted_at"`
	Signature   string `json:"signature"`
	State       string `json:"state"`
	Reason      string `json:"reason"`

	submittedNanos int64
}

type blockDoc struct {
	Number   uint64  `json:"number"`
	PrevHash string  `json:"prev_hash"`
	SealedAt string  `json:"sealed_at"`
	Txs      []txRow `json:"txs"`
}

func hashBlock(doc blockDoc) (string, error) {
	if doc.Txs == nil {
		doc.Txs = []txRow{}
	}
	raw, err := canonical(doc)
	if err != nil {
		return "", fmt.Errorf("localchain: canonicalize block %d: %w", doc.Number, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

const txColumns = `tx_id, fingerprint, owner, storage_ref, nonce, signature, submitted_at, state, reason`

func scanTxRows(rows *sql.Rows) ([]txRow, error) {
	defer func() { _ = rows.Close() }()

	var out []txRow
	for rows.Next() {
		var r txRow
		if err := rows.Scan(&r.TxID, &r.Fingerprint, &r.Owner, &r.StorageRef, &r.Nonce, &r.Signature, &r.submittedNanos, &r.State, &r.Reason); err != nil {
			return nil, err
		}
		r.SubmittedAt = formatTime(time.Unix(0, r.submittedNanos))
		out = append(out, r)
	}
	return out, rows.Err()
}

// Seal groups all pending transactions into the next block. When nothing is
// pending but included transactions are still short of the confirmation
// depth, an empty block is sealed to advance the head. sealed is false when
// there was nothing to do.
func (c *Chain) Seal(ctx context.Context) (block Block, sealed bool, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, false, fmt.Errorf("localchain: begin seal: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	head, prevHash, err := c.head(ctx, tx)
	if err != nil {
		return Block{}, false, fmt.Errorf("localchain: read head: %w", err)
	}

	rows, err := tx.QueryContext(ctx, c.dialect.rebind(
		`SELECT `+txColumns+` FROM registry_txs WHERE state = ? ORDER BY submitted_at, tx_id`), txPending)
	if err != nil {
		return Block{}, false, fmt.Errorf("localchain: list pending: %w", err)
	}
	pending, err := scanTxRows(rows)
	if err != nil {
		return Block{}, false, fmt.Errorf("localchain: scan pending: %w", err)
	}

	if len(pending) == 0 {
		unfinal, err := c.countUnfinal(ctx, tx, head)
		if err != nil {
			return Block{}, false, err
		}
		if unfinal == 0 {
			_ = tx.Rollback()
			return Block{}, false, nil
		}
	}

	number := head + 1
	block = Block{Number: number, PrevHash: prevHash, SealedAt: c.cfg.Clock().UTC()}
	seen := make(map[string]bool, len(pending))

	for i := range pending {
		r := &pending[i]
		registered := seen[r.Fingerprint]
		if !registered {
			registered, err = c.entryExists(ctx, tx, r.Fingerprint)
			if err != nil {
				return Block{}, false, err
			}
		}

		if registered {
			r.State, r.Reason = txReverted, "fingerprint already registered"
			block.Reverted++
		} else {
			r.State = txIncluded
			seen[r.Fingerprint] = true
			block.Included++
			if _, err = tx.ExecContext(ctx, c.dialect.rebind(
				`INSERT INTO registry_entries (fingerprint, owner, storage_ref, tx_id, block_number) VALUES (?, ?, ?, ?, ?)`),
				r.Fingerprint, r.Owner, r.StorageRef, r.TxID, int64(number)); err != nil { //nolint:gosec // block numbers fit int64
				return Block{}, false, fmt.Errorf("localchain: write entry: %w", err)
			}
		}

		if _, err = tx.ExecContext(ctx, c.dialect.rebind(
			`UPDATE registry_txs SET state = ?, block_number = ?, reason = ? WHERE tx_id = ?`),
			r.State, int64(number), r.Reason, r.TxID); err != nil { //nolint:gosec // block numbers fit int64
			return Block{}, false, fmt.Errorf("localchain: update tx: %w", err)
		}
	}

	block.Hash, err = hashBlock(blockDoc{
		Number:   number,
		PrevHash: prevHash,
		SealedAt: formatTime(block.SealedAt),
		Txs:      pending,
	})
	if err != nil {
		return Block{}, false, err
	}

	if _, err = tx.ExecContext(ctx, c.dialect.rebind(
		`INSERT INTO registry_blocks (number, prev_hash, hash, sealed_at, tx_count) VALUES (?, ?, ?, ?, ?)`),
		int64(number), prevHash, block.Hash, block.SealedAt.UnixNano(), len(pending)); err != nil { //nolint:gosec // block numbers fit int64
		return Block{}, false, fmt.Errorf("localchain: write block: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Block{}, false, fmt.Errorf("localchain: commit block: %w", err)
	}

	c.logger.InfoContext(ctx, "block sealed",
		"number", block.Number, "hash", block.Hash, "included", block.Included, "reverted", block.Reverted)
	return block, true, nil
}

func (c *Chain) countUnfinal(ctx context.Context, q queryer, head uint64) (int, error) {
	// A tx in block b is final once b <= head+1-Confirmations.
	var threshold int64
	if head+1 > c.cfg.Confirmations {
		threshold = int64(head + 1 - c.cfg.Confirmations) //nolint:gosec // bounded by head
	}
	var n int
	err := q.QueryRowContext(ctx, c.dialect.rebind(
		`SELECT COUNT(*) FROM registry_txs WHERE state <> ? AND block_number > ?`), txPending, threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("localchain: count unfinalized: %w", err)
	}
	return n, nil
}

func (c *Chain) entryExists(ctx context.Context, q queryer, fp string) (bool, error) {
	var owner string
	err := q.QueryRowContext(ctx, c.dialect.rebind(
		`SELECT owner FROM registry_entries WHERE fingerprint = ?`), fp).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localchain: read entry: %w", err)
	}
	return true, nil
}

// Run seals on every tick until ctx is done.
func (c *Chain) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, _, err := c.Seal(ctx); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "seal failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
