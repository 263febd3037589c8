package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
	"github.com/Mindburn-Labs/echocrypt/pkg/ledger"
	"github.com/Mindburn-Labs/echocrypt/pkg/wallet"
)

type rpcError struct {
	msg  string
	code int
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

type entry struct {
	owner common.Address
	ref   string
	at    int64
	block uint64
}

// fakeChain simulates a node running the registry contract.
type fakeChain struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	nonces   map[common.Address]uint64
	pending  []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	entries  map[[32]byte]entry
	logs     []types.Log
	contract common.Address
	sendErr  error
}

func newFakeChain(contract common.Address) *fakeChain {
	return &fakeChain{
		chainID:  big.NewInt(31337),
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]*types.Receipt{},
		entries:  map[[32]byte]entry{},
		contract: contract,
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[a], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	args, err := registryABI.Methods["record"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return 0, err
	}
	if _, ok := f.entries[args[0].([32]byte)]; ok {
		return 0, rpcError{msg: "execution reverted: already registered", code: 3}
	}
	return 60000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return rpcError{msg: "invalid sender", code: -32000}
	}
	if tx.Nonce() != f.nonces[from] {
		return rpcError{msg: "nonce too low", code: -32000}
	}
	f.nonces[from]++
	f.pending = append(f.pending, tx)
	return nil
}

func (f *fakeChain) mine() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	for _, tx := range f.pending {
		args, _ := registryABI.Methods["record"].Inputs.Unpack(tx.Data()[4:])
		fp := args[0].([32]byte)
		status := types.ReceiptStatusSuccessful
		if _, exists := f.entries[fp]; exists {
			status = types.ReceiptStatusFailed
		} else {
			f.entries[fp] = entry{owner: args[1].(common.Address), ref: args[2].(string), at: 1_700_000_000, block: f.head}
			f.logs = append(f.logs, types.Log{
				Address:     f.contract,
				Topics:      []common.Hash{registryABI.Events["Recorded"].ID, common.Hash(fp), common.BytesToHash(args[1].(common.Address).Bytes())},
				BlockNumber: f.head,
				TxHash:      tx.Hash(),
			})
		}
		f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(f.head), TxHash: tx.Hash()}
	}
	f.pending = nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	args, err := registryABI.Methods["lookup"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	e := f.entries[args[0].([32]byte)]
	return registryABI.Methods["lookup"].Outputs.Pack(e.owner, e.ref, big.NewInt(e.at), new(big.Int).SetUint64(e.block))
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || (q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64()) {
			continue
		}
		if len(q.Topics) > 1 && len(q.Topics[1]) > 0 && l.Topics[1] != q.Topics[1][0] {
			continue
		}
		if len(q.Topics) > 2 && len(q.Topics[2]) > 0 && l.Topics[2] != q.Topics[2][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

type evmFixture struct {
	chain  *fakeChain
	client *Client
	owner  *wallet.Secp256k1
	wals   *wallet.Static
}

func newEVMFixture(t *testing.T, cfg Config) *evmFixture {
	t.Helper()
	owner, err := wallet.NewSecp256k1()
	require.NoError(t, err)
	wals := wallet.NewStatic(owner)

	cfg.Contract = common.HexToAddress("0x00000000000000000000000000000000000e4c01")
	cfg.Wallets = wals
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	fc := newFakeChain(cfg.Contract)
	return &evmFixture{chain: fc, client: New(fc, cfg), owner: owner, wals: wals}
}

func TestClient_SubmitAwaitQuery(t *testing.T) {
	f := newEVMFixture(t, Config{Confirmations: 2})
	ctx := context.Background()
	fp := fingerprint.Sum([]byte("evm track"))
	ref := contracts.RefFor(fp)

	txID, err := f.client.Submit(ctx, fp, f.owner.Address(), ref)
	require.NoError(t, err)

	out, err := f.client.AwaitConfirmation(ctx, txID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeTimedOut, out.State)

	f.chain.mine()
	reg, err := f.client.QueryRegistration(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, reg.Status, "one confirmation of two")

	f.chain.mine()
	out, err = f.client.AwaitConfirmation(ctx, txID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeConfirmed, out.State)
	assert.Equal(t, uint64(1), out.BlockNumber)

	reg, err = f.client.QueryRegistration(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusConfirmed, reg.Status)
	assert.Equal(t, txID, reg.TransactionID)
	assert.Equal(t, ref, reg.StorageRef)
	assert.True(t, reg.Owner.SameAs(f.owner.Address()))
}

func TestClient_QueryNotRegistered(t *testing.T) {
	f := newEVMFixture(t, Config{})
	_, err := f.client.QueryRegistration(context.Background(), fingerprint.Sum([]byte("nothing")))
	assert.ErrorIs(t, err, ledger.ErrNotRegistered)
}

func TestClient_DuplicateRejectedAtEstimate(t *testing.T) {
	f := newEVMFixture(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Sum([]byte("dup"))

	_, err := f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	require.NoError(t, err)
	f.chain.mine()

	_, err = f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
}

func TestClient_RevertedReceiptIsFailed(t *testing.T) {
	f := newEVMFixture(t, Config{GasLimit: 100000})
	ctx := context.Background()
	fp := fingerprint.Sum([]byte("raced"))

	first, err := f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	require.NoError(t, err)
	second, err := f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	require.NoError(t, err)
	f.chain.mine()

	out, err := f.client.AwaitConfirmation(ctx, first, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeConfirmed, out.State)

	out, err = f.client.AwaitConfirmation(ctx, second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeFailed, out.State)
}

func TestClient_ErrorMapping(t *testing.T) {
	f := newEVMFixture(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Sum([]byte("errors"))

	f.chain.sendErr = errors.New("dial tcp: connection refused")
	_, err := f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	assert.ErrorIs(t, err, ledger.ErrNetworkUnavailable)

	f.chain.sendErr = rpcError{msg: "insufficient funds", code: -32000}
	_, err = f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)

	_, err = f.client.Submit(ctx, fp, "not-an-address", contracts.RefFor(fp))
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
}

func TestClient_SigningRejected(t *testing.T) {
	f := newEVMFixture(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Sum([]byte("declined"))

	stranger := contracts.Owner("0x000000000000000000000000000000000000dead")
	_, err := f.client.Submit(ctx, fp, stranger, contracts.RefFor(fp))
	assert.ErrorIs(t, err, ledger.ErrSigningRejected)

	f.wals.Add(wallet.Declining{Owner: stranger})
	_, err = f.client.Submit(ctx, fp, stranger, contracts.RefFor(fp))
	assert.ErrorIs(t, err, ledger.ErrSigningRejected)
}

func TestClient_QueryWithoutRecordedLogIsUnavailable(t *testing.T) {
	f := newEVMFixture(t, Config{})
	ctx := context.Background()
	fp := fingerprint.Sum([]byte("lagging log index"))

	_, err := f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
	require.NoError(t, err)
	f.chain.mine()

	f.chain.mu.Lock()
	f.chain.logs = nil
	f.chain.mu.Unlock()

	_, err = f.client.QueryRegistration(ctx, fp)
	assert.ErrorIs(t, err, ledger.ErrNetworkUnavailable)
	assert.NotErrorIs(t, err, ledger.ErrNotRegistered)
}

func TestClient_ListByOwner(t *testing.T) {
	f := newEVMFixture(t, Config{})
	ctx := context.Background()

	other, err := wallet.NewSecp256k1()
	require.NoError(t, err)
	f.wals.Add(other)

	mine := []fingerprint.Fingerprint{fingerprint.Sum([]byte("one")), fingerprint.Sum([]byte("two"))}
	for _, fp := range mine {
		_, err := f.client.Submit(ctx, fp, f.owner.Address(), contracts.RefFor(fp))
		require.NoError(t, err)
		f.chain.mine()
	}
	theirs := fingerprint.Sum([]byte("three"))
	_, err = f.client.Submit(ctx, theirs, other.Address(), contracts.RefFor(theirs))
	require.NoError(t, err)
	f.chain.mine()

	regs, err := f.client.ListByOwner(ctx, f.owner.Address())
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, mine[0], regs[0].Fingerprint)
	assert.Equal(t, mine[1], regs[1].Fingerprint)
	for _, reg := range regs {
		assert.Equal(t, contracts.StatusConfirmed, reg.Status)
	}

	regs, err = f.client.ListByOwner(ctx, "not-an-address")
	require.NoError(t, err)
	assert.Empty(t, regs)
}
