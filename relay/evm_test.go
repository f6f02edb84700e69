package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teorelay/protocol"
)

type fakeChain struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*types.Transaction
	pending  int // receipt lookups answered NotFound before mining
	status   uint64
	gasUsed  uint64
	estimate uint64
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(80002), nil }

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(40_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, GasUsed: f.gasUsed, TxHash: hash, BlockNumber: big.NewInt(7)}, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return 19, nil }

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1772445600}, nil
}

const testHotKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testToken   = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	testStaking = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

func newTestEVM(t *testing.T, chain *fakeChain) *EVMExecutor {
	t.Helper()
	exec, err := NewEVMExecutor(chain, EVMConfig{
		ChainID:        80002,
		HotWalletKey:   "0x" + testHotKey,
		TokenAddress:   testToken,
		StakingAddress: testStaking,
		ReceiptTimeout: time.Second,
		PollInterval:   time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return exec
}

func TestEVMExecutorEscrow(t *testing.T) {
	chain := &fakeChain{pending: 2, status: types.ReceiptStatusSuccessful, gasUsed: 50_000, estimate: 60_000}
	exec := newTestEVM(t, chain)
	student := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

	res, err := exec.Execute(context.Background(), Call{
		Action: ActionDiscountEscrow,
		From:   student,
		To:     testStaking,
		Amount: protocol.MustTEO("10"),
	})
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	assert.Equal(t, tx.Hash(), res.TxHash)
	assert.Equal(t, testToken, *tx.To())
	assert.Equal(t, uint64(72_000), tx.Gas())
	assert.Equal(t, "0.002 MATIC", protocol.FormatMATIC(res.GasCost()))

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(80002)), tx)
	require.NoError(t, err)
	assert.Equal(t, exec.HotWallet(), from)

	method, err := exec.tokenABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "transferFrom", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, student, args[0])
	assert.Equal(t, exec.HotWallet(), args[1])
	assert.Equal(t, protocol.MustTEO("10").String(), args[2].(*big.Int).String())
}

func TestEVMExecutorStaking(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful, gasUsed: 90_000, estimate: 90_000}
	exec := newTestEVM(t, chain)
	teacher := newParty(t).addr

	_, err := exec.Execute(context.Background(), Call{Action: ActionUnstake, From: teacher, Amount: protocol.MustTEO("5")})
	require.NoError(t, err)

	tx := chain.sent[0]
	assert.Equal(t, testStaking, *tx.To())
	method, err := exec.stakeABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "unstakeFor", method.Name)
}

func TestEVMExecutorSequentialNonces(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful, gasUsed: 50_000, estimate: 50_000}
	exec := newTestEVM(t, chain)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Execute(context.Background(), Call{Action: ActionDiscountRelease, To: testStaking, Amount: big.NewInt(1)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range chain.sent {
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 4)
}

func TestEVMExecutorReverted(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusFailed, gasUsed: 21_000, estimate: 50_000}
	exec := newTestEVM(t, chain)

	_, err := exec.Execute(context.Background(), Call{Action: ActionStake, From: testToken, Amount: big.NewInt(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}

func TestEVMExecutorReceiptTimeout(t *testing.T) {
	chain := &fakeChain{pending: 1 << 30, estimate: 50_000}
	exec := newTestEVM(t, chain)
	exec.timeout = 20 * time.Millisecond

	_, err := exec.Execute(context.Background(), Call{Action: ActionStake, From: testToken, Amount: big.NewInt(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestNewEVMExecutorValidation(t *testing.T) {
	_, err := NewEVMExecutor(&fakeChain{}, EVMConfig{HotWalletKey: "zz", TokenAddress: testToken}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewEVMExecutor(&fakeChain{}, EVMConfig{HotWalletKey: testHotKey}, zerolog.Nop())
	require.Error(t, err)

	exec, err := NewEVMExecutor(&fakeChain{}, EVMConfig{HotWalletKey: testHotKey, TokenAddress: testToken}, zerolog.Nop())
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), Call{Action: ActionStake, Amount: big.NewInt(1)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ethereum.NotFound))
	assert.Contains(t, err.Error(), "staking contract")
}

func TestEVMExecutorStatus(t *testing.T) {
	chain := &fakeChain{pending: 1, status: types.ReceiptStatusSuccessful, gasUsed: 50_000}
	exec := newTestEVM(t, chain)
	hash := common.HexToHash("0x01")

	status, err := exec.Status(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, TxNotFound, status.Status)

	status, err = exec.Status(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status.Status)
	assert.Equal(t, uint64(7), status.BlockNumber)
	assert.Equal(t, uint64(12), status.Confirmations)
	assert.Equal(t, uint64(50_000), status.GasUsed)
	require.NotNil(t, status.BlockTime)

	chain.status = types.ReceiptStatusFailed
	status, err = exec.Status(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, TxFailed, status.Status)
}
