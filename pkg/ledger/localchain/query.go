package localchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
)

func (c *Chain) AwaitConfirmation(ctx context.Context, txID contracts.TransactionID, timeout time.Duration) (ledger.Outcome, error) {
	return ledger.Poll(ctx, c.logger, c.cfg.PollInterval, timeout, func(ctx context.Context) (ledger.Outcome, bool, error) {
		return c.checkTx(ctx, txID)
	})
}

func (c *Chain) checkTx(ctx context.Context, txID contracts.TransactionID) (ledger.Outcome, bool, error) {
	var (
		state  string
		block  int64
		reason string
	)
	err := c.db.QueryRowContext(ctx, c.dialect.rebind(
		`SELECT state, block_number, reason FROM registry_txs WHERE tx_id = ?`), string(txID)).Scan(&state, &block, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Outcome{}, false, fmt.Errorf("%w: %s", ledger.ErrUnknownTransaction, txID)
	}
	if err != nil {
		return ledger.Outcome{}, false, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}
	if state == txPending {
		return ledger.Outcome{}, false, nil
	}

	head, _, err := c.head(ctx, c.db)
	if err != nil {
		return ledger.Outcome{}, false, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}
	included := uint64(block) //nolint:gosec // block numbers are non-negative
	if !c.final(included, head) {
		return ledger.Outcome{}, false, nil
	}

	if state == txReverted {
		return ledger.Outcome{State: ledger.OutcomeFailed, BlockNumber: included, Reason: reason}, true, nil
	}
	return ledger.Outcome{State: ledger.OutcomeConfirmed, BlockNumber: included}, true, nil
}

// QueryRegistration reads the contract entry for fp. An entry whose block is
// not yet final is reported as PENDING.
func (c *Chain) QueryRegistration(ctx context.Context, fp fingerprint.Fingerprint) (contracts.Registration, error) {
	var (
		owner, ref, txID string
		block, submitted int64
	)
	// The triple comes from the signed, block-hashed tx row; registry_entries
	// only indexes which transaction won.
	err := c.db.QueryRowContext(ctx, c.dialect.rebind(`
		SELECT t.owner, t.storage_ref, t.tx_id, t.block_number, t.submitted_at
		FROM registry_entries e JOIN registry_txs t ON t.tx_id = e.tx_id AND t.fingerprint = e.fingerprint
		WHERE e.fingerprint = ? AND t.state = ?`), fp.String(), txIncluded).Scan(&owner, &ref, &txID, &block, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Registration{}, ledger.ErrNotRegistered
	}
	if err != nil {
		return contracts.Registration{}, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}

	head, _, err := c.head(ctx, c.db)
	if err != nil {
		return contracts.Registration{}, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}

	reg := contracts.Registration{
		Fingerprint:   fp,
		Owner:         contracts.Owner(owner),
		StorageRef:    contracts.StorageRef(ref),
		SubmittedAt:   time.Unix(0, submitted).UTC(),
		TransactionID: contracts.TransactionID(txID),
		Status:        contracts.StatusPending,
	}
	if included := uint64(block); c.final(included, head) { //nolint:gosec // block numbers are non-negative
		reg = reg.Confirm(included)
	}
	return reg, nil
}

var _ ledger.Lister = (*Chain)(nil)

// ListByOwner returns the included registrations signed by owner, in block
// order.
func (c *Chain) ListByOwner(ctx context.Context, owner contracts.Owner) ([]contracts.Registration, error) {
	head, _, err := c.head(ctx, c.db)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}

	rows, err := c.db.QueryContext(ctx, c.dialect.rebind(`
		SELECT t.fingerprint, t.storage_ref, t.tx_id, t.block_number, t.submitted_at
		FROM registry_entries e JOIN registry_txs t ON t.tx_id = e.tx_id AND t.fingerprint = e.fingerprint
		WHERE t.owner = ? AND t.state = ?
		ORDER BY t.block_number, t.submitted_at, t.tx_id`), string(owner.Normalize()), txIncluded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Registration
	for rows.Next() {
		var (
			fpText, ref, txID string
			block, submitted  int64
		)
		if err := rows.Scan(&fpText, &ref, &txID, &block, &submitted); err != nil {
			return nil, fmt.Errorf("localchain: scan entry: %w", err)
		}
		fp, err := fingerprint.Parse(fpText)
		if err != nil {
			return nil, fmt.Errorf("localchain: entry fingerprint %q: %w", fpText, err)
		}
		reg := contracts.Registration{
			Fingerprint:   fp,
			Owner:         owner.Normalize(),
			StorageRef:    contracts.StorageRef(ref),
			SubmittedAt:   time.Unix(0, submitted).UTC(),
			TransactionID: contracts.TransactionID(txID),
			Status:        contracts.StatusPending,
		}
		if included := uint64(block); c.final(included, head) { //nolint:gosec // block numbers are non-negative
			reg = reg.Confirm(included)
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)
	}
	return out, nil
}

// Head returns the latest sealed block number.
func (c *Chain) Head(ctx context.Context) (uint64, error) {
	n, _, err := c.head(ctx, c.db)
	return n, err
}
