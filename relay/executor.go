package relay

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Action - On-chain effect the relay executes for a request
type Action uint8

const (
	ActionDiscountEscrow  Action = iota + 1 // student -> platform escrow
	ActionDiscountRelease                   // escrow -> teacher
	ActionDiscountRefund                    // escrow -> student
	ActionStake
	ActionUnstake
)

func (a Action) String() string {
	switch a {
	case ActionDiscountEscrow:
		return "discount_escrow"
	case ActionDiscountRelease:
		return "discount_release"
	case ActionDiscountRefund:
		return "discount_refund"
	case ActionStake:
		return "stake"
	case ActionUnstake:
		return "unstake"
	default:
		return "unknown"
	}
}

// Call describes one transaction the platform submits and pays for.
type Call struct {
	Action Action
	From   common.Address // account whose tokens move
	To     common.Address // recipient, zero for staking
	Amount *big.Int
	Nonce  uint64 // user nonce, makes simulated hashes unique
}

// Execution - Mined result of a Call
type Execution struct {
	TxHash   common.Hash
	GasUsed  uint64
	GasPrice *big.Int
}

// GasCost is the wei paid by the platform hot wallet.
func (e *Execution) GasCost() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(e.GasUsed), e.GasPrice)
}

// Executor submits relayed transactions on behalf of users.
type Executor interface {
	Execute(ctx context.Context, call Call) (*Execution, error)
}

// simulatedGas per action, close to what the contracts consume on Polygon.
var simulatedGas = map[Action]uint64{
	ActionDiscountEscrow:  65_000,
	ActionDiscountRelease: 52_000,
	ActionDiscountRefund:  52_000,
	ActionStake:           95_000,
	ActionUnstake:         80_000,
}

// SimulatedExecutor mines nothing; it returns deterministic hashes and fixed
// gas so relay behavior can be exercised without a chain.
type SimulatedExecutor struct {
	GasPrice *big.Int

	mu    sync.Mutex
	calls []Call
	fail  error
}

func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{GasPrice: big.NewInt(30_000_000_000)} // 30 gwei
}

// FailWith makes subsequent executions return err; nil restores success.
func (s *SimulatedExecutor) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Calls returns the calls executed so far.
func (s *SimulatedExecutor) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *SimulatedExecutor) Execute(ctx context.Context, call Call) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.calls = append(s.calls, call)

	var buf []byte
	buf = append(buf, byte(call.Action))
	buf = append(buf, call.From.Bytes()...)
	buf = append(buf, call.To.Bytes()...)
	if call.Amount != nil {
		buf = append(buf, call.Amount.Bytes()...)
	}
	buf = binary.BigEndian.AppendUint64(buf, call.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(s.calls)))

	return &Execution{
		TxHash:   crypto.Keccak256Hash(buf),
		GasUsed:  simulatedGas[call.Action],
		GasPrice: new(big.Int).Set(s.GasPrice),
	}, nil
}
