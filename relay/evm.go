package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const teoCoinABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
  "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

const teoStakingABI = `[
 {"type":"function","name":"stakeFor","stateMutability":"nonpayable",
  "inputs":[{"name":"teacher","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"unstakeFor","stateMutability":"nonpayable",
  "inputs":[{"name":"teacher","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// ChainClient is the part of ethclient.Client the executor uses.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type EVMConfig struct {
	RPCURL         string
	ChainID        int64
	HotWalletKey   string // hex, pays gas for every relayed call
	TokenAddress   common.Address
	StakingAddress common.Address
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// EVMExecutor signs and sends relayed calls from the platform hot wallet.
type EVMExecutor struct {
	client   ChainClient
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	token    common.Address
	staking  common.Address
	tokenABI abi.ABI
	stakeABI abi.ABI
	timeout  time.Duration
	poll     time.Duration
	log      zerolog.Logger

	// hot wallet nonces are allocated one send at a time
	sendMu sync.Mutex
}

// DialEVMExecutor - Initialize executor against an RPC endpoint
func DialEVMExecutor(ctx context.Context, cfg EVMConfig, log zerolog.Logger) (*EVMExecutor, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain health check failed: %w", err)
	}
	if cfg.ChainID != 0 && id.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("rpc serves chain %s, configured %d", id, cfg.ChainID)
	}
	cfg.ChainID = id.Int64()
	return NewEVMExecutor(client, cfg, log)
}

func NewEVMExecutor(client ChainClient, cfg EVMConfig, log zerolog.Logger) (*EVMExecutor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.HotWalletKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hot wallet key: %w", err)
	}
	if cfg.TokenAddress == (common.Address{}) {
		return nil, fmt.Errorf("token contract address is required")
	}
	tokenABI, err := abi.JSON(strings.NewReader(teoCoinABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token abi: %w", err)
	}
	stakeABI, err := abi.JSON(strings.NewReader(teoStakingABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse staking abi: %w", err)
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &EVMExecutor{
		client:   client,
		chainID:  big.NewInt(cfg.ChainID),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		token:    cfg.TokenAddress,
		staking:  cfg.StakingAddress,
		tokenABI: tokenABI,
		stakeABI: stakeABI,
		timeout:  cfg.ReceiptTimeout,
		poll:     cfg.PollInterval,
		log:      log.With().Str("component", "evm").Logger(),
	}, nil
}

// HotWallet is the address paying gas.
func (e *EVMExecutor) HotWallet() common.Address { return e.from }

// calldata encodes call against the token or staking contract.
func (e *EVMExecutor) calldata(call Call) (common.Address, []byte, error) {
	var (
		data []byte
		err  error
	)
	switch call.Action {
	case ActionDiscountEscrow:
		data, err = e.tokenABI.Pack("transferFrom", call.From, e.from, call.Amount)
		return e.token, data, err
	case ActionDiscountRelease:
		data, err = e.tokenABI.Pack("transfer", call.To, call.Amount)
		return e.token, data, err
	case ActionDiscountRefund:
		data, err = e.tokenABI.Pack("transfer", call.From, call.Amount)
		return e.token, data, err
	case ActionStake, ActionUnstake:
		if e.staking == (common.Address{}) {
			return common.Address{}, nil, fmt.Errorf("staking contract address is not configured")
		}
		method := "stakeFor"
		if call.Action == ActionUnstake {
			method = "unstakeFor"
		}
		data, err = e.stakeABI.Pack(method, call.From, call.Amount)
		return e.staking, data, err
	}
	return common.Address{}, nil, fmt.Errorf("unsupported action %s", call.Action)
}

// Execute builds, signs (EIP-155) and sends the call, then waits for it to be mined.
func (e *EVMExecutor) Execute(ctx context.Context, call Call) (*Execution, error) {
	to, data, err := e.calldata(call)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", call.Action, err)
	}

	tx, gasPrice, err := e.send(ctx, to, data)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Str("tx", tx.Hash().Hex()).Stringer("action", call.Action).Logger()
	log.Info().Msg("relayed transaction sent")

	receipt, err := e.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Error().Str("block", receipt.BlockNumber.String()).Msg("relayed transaction reverted")
		return nil, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	if receipt.EffectiveGasPrice != nil {
		gasPrice = receipt.EffectiveGasPrice
	}
	return &Execution{TxHash: tx.Hash(), GasUsed: receipt.GasUsed, GasPrice: gasPrice}, nil
}

func (e *EVMExecutor) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, *big.Int, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.client.SendTransaction(sendCtx, signed); err != nil {
		return nil, nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, gasPrice, nil
}

func (e *EVMExecutor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for %s after %s", hash.Hex(), e.timeout)
		case <-ticker.C:
		}
	}
}

// Status - Check the on-chain status of a relayed transaction
func (e *EVMExecutor) Status(ctx context.Context, hash common.Hash) (*ChainStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &ChainStatus{Status: TxNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	status := &ChainStatus{Status: TxConfirmed, GasUsed: receipt.GasUsed}
	if receipt.Status != types.ReceiptStatusSuccessful {
		status.Status = TxFailed
	}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
		if header, err := e.client.HeaderByNumber(ctx, receipt.BlockNumber); err == nil {
			blockTime := header.Time
			status.BlockTime = &blockTime
		}
		if current, err := e.client.BlockNumber(ctx); err == nil && current >= status.BlockNumber {
			status.Confirmations = current - status.BlockNumber
		}
	}
	return status, nil
}
