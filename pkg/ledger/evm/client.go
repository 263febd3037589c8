// Package evm implements ledger.Client against a registry contract on an
// EVM-compatible chain.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

// Backend is the subset of *ethclient.Client used by Client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config configures Client.
type Config struct {
	Contract      common.Address
	Confirmations uint64
	PollInterval  time.Duration
	// GasLimit skips estimation when non-zero.
	GasLimit uint64
	// FromBlock is where event scans start, usually the deployment block.
	FromBlock uint64
	Wallets  wallet.Provider
	Logger   *slog.Logger
}

// Client submits record transactions signed by the owner's wallet.
type Client struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	// submitMu serializes nonce allocation.
	submitMu sync.Mutex
	chainID  *big.Int
}

var _ ledger.Client = (*Client)(nil)

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ledger.ErrNetworkUnavailable, rpcURL, err)
	}
	return New(ec, cfg), nil
}

// New wraps an existing backend.
func New(backend Backend, cfg Config) *Client {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, cfg: cfg, logger: logger.With("component", "evm")}
}

// classify maps transport and node errors onto ledger sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %v (code %d)", ledger.ErrSubmissionRejected, op, err, rpcErr.ErrorCode())
	}
	return fmt.Errorf("%w: %s: %v", ledger.ErrNetworkUnavailable, op, err)
}

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, classify("chain id", err)
	}
	c.chainID = id
	return id, nil
}

func (c *Client) Submit(ctx context.Context, fp fingerprint.Fingerprint, owner contracts.Owner, ref contracts.StorageRef) (contracts.TransactionID, error) {
	if !common.IsHexAddress(string(owner)) {
		return "", fmt.Errorf("%w: owner %q is not an account address", ledger.ErrSubmissionRejected, owner)
	}
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

	from := common.HexToAddress(string(owner))
	data, err := registryABI.Pack("record", [32]byte(fp), from, string(ref))
	if err != nil {
		return "", fmt.Errorf("evm: pack record: %w", err)
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	chainID, err := c.chain(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", classify("pending nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify("gas price", err)
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.cfg.Contract, Data: data})
		if err != nil {
			return "", classify("estimate gas", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.cfg.Contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signer := types.LatestSignerForChainID(chainID)
	sig, err := w.Sign(ctx, signer.Hash(tx).Bytes())
	if err != nil {
		if errors.Is(err, wallet.ErrSigningRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ledger.ErrSigningRejected, err)
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return "", fmt.Errorf("%w: malformed signature: %v", ledger.ErrSubmissionRejected, err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", classify("send transaction", err)
	}

	c.logger.InfoContext(ctx, "record transaction sent", "tx", signed.Hash().Hex(), "fingerprint", fp.String(), "nonce", nonce)
	return contracts.TransactionID(signed.Hash().Hex()), nil
}

func (c *Client) AwaitConfirmation(ctx context.Context, txID contracts.TransactionID, timeout time.Duration) (ledger.Outcome, error) {
	hash := common.HexToHash(string(txID))
	return ledger.Poll(ctx, c.logger, c.cfg.PollInterval, timeout, func(ctx context.Context) (ledger.Outcome, bool, error) {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return ledger.Outcome{}, false, nil
		}
		if err != nil {
			return ledger.Outcome{}, false, fmt.Errorf("%w: receipt: %v", ledger.ErrNetworkUnavailable, err)
		}

		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return ledger.Outcome{}, false, fmt.Errorf("%w: block number: %v", ledger.ErrNetworkUnavailable, err)
		}
		included := receipt.BlockNumber.Uint64()
		if !c.final(included, head) {
			return ledger.Outcome{}, false, nil
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return ledger.Outcome{State: ledger.OutcomeFailed, BlockNumber: included, Reason: "execution reverted"}, true, nil
		}
		return ledger.Outcome{State: ledger.OutcomeConfirmed, BlockNumber: included}, true, nil
	})
}

func (c *Client) final(block, head uint64) bool {
	return head >= block && head-block+1 >= c.cfg.Confirmations
}

func (c *Client) QueryRegistration(ctx context.Context, fp fingerprint.Fingerprint) (contracts.Registration, error) {
	input, err := registryABI.Pack("lookup", [32]byte(fp))
	if err != nil {
		return contracts.Registration{}, fmt.Errorf("evm: pack lookup: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.cfg.Contract, Data: input}, nil)
	if err != nil {
		return contracts.Registration{}, classify("lookup", err)
	}
	values, err := registryABI.Unpack("lookup", raw)
	if err != nil || len(values) != 4 {
		return contracts.Registration{}, fmt.Errorf("evm: decode lookup result: %v", err)
	}

	owner, _ := values[0].(common.Address)
	ref, _ := values[1].(string)
	recordedAt, _ := values[2].(*big.Int)
	blockNum, _ := values[3].(*big.Int)
	if owner == (common.Address{}) || blockNum == nil {
		return contracts.Registration{}, ledger.ErrNotRegistered
	}

	reg := contracts.Registration{
		Fingerprint: fp,
		Owner:       contracts.Owner(owner.Hex()).Normalize(),
		StorageRef:  contracts.StorageRef(ref),
		Status:      contracts.StatusPending,
	}
	if recordedAt != nil {
		reg.SubmittedAt = time.Unix(recordedAt.Int64(), 0).UTC()
	}

	included := blockNum.Uint64()
	txHash, err := c.recordTx(ctx, fp, included)
	if err != nil {
		// Never report an existing entry without its transaction.
		return contracts.Registration{}, err
	}
	reg.TransactionID = contracts.TransactionID(txHash.Hex())

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return contracts.Registration{}, classify("block number", err)
	}
	if c.final(included, head) {
		reg = reg.Confirm(included)
	}
	return reg, nil
}

// recordTx finds the transaction that emitted Recorded for fp in block.
func (c *Client) recordTx(ctx context.Context, fp fingerprint.Fingerprint, block uint64) (common.Hash, error) {
	b := new(big.Int).SetUint64(block)
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: b,
		ToBlock:   b,
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{{registryABI.Events["Recorded"].ID}, {common.Hash(fp)}},
	})
	if err != nil {
		return common.Hash{}, classify("filter logs", err)
	}
	if len(logs) == 0 {
		// Lookup says the entry exists, so the node serving logs is behind.
		return common.Hash{}, fmt.Errorf("%w: no Recorded event for %s in block %d", ledger.ErrNetworkUnavailable, fp, block)
	}
	return logs[0].TxHash, nil
}

var _ ledger.Lister = (*Client)(nil)

// ListByOwner scans Recorded events indexed by owner and reads each entry
// back through lookup. Events for fingerprints the contract attributes to
// someone else are skipped.
func (c *Client) ListByOwner(ctx context.Context, owner contracts.Owner) ([]contracts.Registration, error) {
	if !common.IsHexAddress(string(owner)) {
		return nil, nil
	}
	addr := common.HexToAddress(string(owner))
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.cfg.FromBlock),
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{{registryABI.Events["Recorded"].ID}, nil, {common.BytesToHash(addr.Bytes())}},
	})
	if err != nil {
		return nil, classify("filter logs", err)
	}

	var out []contracts.Registration
	seen := make(map[common.Hash]bool, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 2 || seen[l.Topics[1]] {
			continue
		}
		seen[l.Topics[1]] = true
		reg, err := c.QueryRegistration(ctx, fingerprint.Fingerprint(l.Topics[1]))
		if errors.Is(err, ledger.ErrNotRegistered) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if reg.Owner.SameAs(owner) {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) error {
	if _, err := c.backend.BlockNumber(ctx); err != nil {
		return classify("block number", err)
	}
	return nil
}
