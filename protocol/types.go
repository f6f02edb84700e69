package protocol

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OperationType - Kind of gas-free operation a user signs for
type OperationType uint8

const (
	DiscountRedemption OperationType = iota + 1
	TeacherStake
	TeacherUnstake
)

// Discriminator is the action string embedded in the canonical message.
func (o OperationType) Discriminator() string {
	switch o {
	case DiscountRedemption:
		return "discount"
	case TeacherStake:
		return "stake"
	case TeacherUnstake:
		return "unstake"
	default:
		return ""
	}
}

func (o OperationType) String() string {
	if d := o.Discriminator(); d != "" {
		return d
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

func (o OperationType) Valid() bool {
	return o.Discriminator() != ""
}

// ParseOperationType maps a discriminator back to its OperationType.
func ParseOperationType(s string) (OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discount":
		return DiscountRedemption, nil
	case "stake":
		return TeacherStake, nil
	case "unstake":
		return TeacherUnstake, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// ZeroGas is the gas the end user pays for any relayed operation.
const ZeroGas = "0 MATIC"

// SignedOperationRequest - Off-chain signed request handed to the relay
type SignedOperationRequest struct {
	Operation       OperationType
	Signer          common.Address
	Counterparty    *common.Address // teacher, discount only
	ReferenceID     string          // course id, discount only
	DiscountPercent uint8           // discount only
	Amount          *big.Int        // base units
	Nonce           uint64
	Deadline        time.Time
	Signature       string // 0x-prefixed hex, 65 bytes
}

// Message rebuilds the canonical message for the request fields.
func (r *SignedOperationRequest) Message() (CanonicalMessage, error) {
	return BuildMessage(MessageFields{
		Operation:       r.Operation,
		Signer:          r.Signer,
		Counterparty:    r.Counterparty,
		ReferenceID:     r.ReferenceID,
		DiscountPercent: r.DiscountPercent,
		Amount:          r.Amount,
		Nonce:           r.Nonce,
		Deadline:        r.Deadline,
	})
}

// Expired reports whether the request deadline is before now.
func (r *SignedOperationRequest) Expired(now time.Time) bool {
	return now.After(r.Deadline)
}

// BalanceSource - Where the surfaced spendable amount comes from
type BalanceSource string

const (
	SourceWallet   BalanceSource = "wallet"
	SourcePlatform BalanceSource = "platform"
	SourceDemo     BalanceSource = "demo"
)

// AllowanceSnapshot - Spend capacity of a signer, amounts in base units
type AllowanceSnapshot struct {
	Signer            common.Address
	Available         *big.Int
	Used              *big.Int
	Total             *big.Int
	WalletBalance     *big.Int
	PlatformAllowance *big.Int
	Source            BalanceSource
	FetchedAt         time.Time
	Stale             bool
}

// Age returns how old the snapshot is at now.
func (s *AllowanceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// TierState - Teacher staking position
type TierState struct {
	Signer           common.Address
	Staked           *big.Int
	Tier             Tier
	CommissionRate   uint16 // basis points
	LastStakeAt      time.Time
	LastUnstakeAt    time.Time
	StakesInWindow   int
	UnstakesInWindow int
	FetchedAt        time.Time
	Stale            bool
}

func (s *TierState) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// RelayReceipt - What the relay reports after executing an operation
type RelayReceipt struct {
	RequestID              string
	TransactionHash        common.Hash
	GasCostBorneByPlatform string
	UserGasCost            string
	AmountApplied          *big.Int
	NewTier                *Tier
}
