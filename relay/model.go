package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Account - Ledger row per address, amounts in base units
type Account struct {
	Address           string          `gorm:"primaryKey;size:42" json:"address"`
	WalletBalance     decimal.Decimal `gorm:"type:text" json:"wallet_balance"`
	PlatformAllowance decimal.Decimal `gorm:"type:text" json:"platform_allowance"`
	UsedAllowance     decimal.Decimal `gorm:"type:text" json:"used_allowance"`
	Staked            decimal.Decimal `gorm:"type:text" json:"staked"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (Account) TableName() string {
	return "relay_accounts"
}

// Used nonce states. A nonce is taken once reserved, whatever happens next.
const (
	NonceReserved = "reserved"
	NonceExecuted = "executed"
	NonceFailed   = "failed"
)

// UsedNonce - Consumed nonce per signer and operation, guards against replay
type UsedNonce struct {
	ID        uint      `gorm:"primaryKey"`
	Wallet    string    `gorm:"size:42;uniqueIndex:uk_wallet_op_nonce;not null"`
	Operation uint8     `gorm:"uniqueIndex:uk_wallet_op_nonce;not null"`
	Nonce     uint64    `gorm:"uniqueIndex:uk_wallet_op_nonce;not null"`
	Status    string    `gorm:"size:10;not null"`
	TxHash    string    `gorm:"size:66"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (UsedNonce) TableName() string {
	return "relay_used_nonces"
}

// StakeEvent - One accepted stake or unstake
type StakeEvent struct {
	ID        uint            `gorm:"primaryKey"`
	Teacher   string          `gorm:"index;size:42"`
	Kind      string          `gorm:"size:8"` // stake, unstake
	Amount    decimal.Decimal `gorm:"type:text"`
	TxHash    string          `gorm:"size:66"`
	CreatedAt time.Time       `gorm:"index"`
}

func (StakeEvent) TableName() string {
	return "relay_stake_events"
}

// Discount request statuses. Settling holds a request while its release or
// refund is on chain.
const (
	DiscountPending  = "pending"
	DiscountSettling = "settling"
	DiscountApproved = "approved"
	DiscountDeclined = "declined"
)

// DiscountRequest - Escrowed student discount awaiting the teacher
type DiscountRequest struct {
	ID            string          `gorm:"primaryKey;size:36" json:"request_id"`
	Student       string          `gorm:"index;size:42" json:"student_address"`
	Teacher       string          `gorm:"index;size:42" json:"teacher_address"`
	CourseID      string          `gorm:"size:64" json:"course_id"`
	Percent       uint8           `json:"discount_percent"`
	Amount        decimal.Decimal `gorm:"type:text" json:"teo_amount"`
	Source        string          `gorm:"size:16" json:"balance_source"`
	Status        string          `gorm:"index;size:16" json:"status"`
	TxHash        string          `gorm:"size:66" json:"transaction_hash"`
	SettleTxHash  string          `gorm:"size:66" json:"settle_transaction_hash,omitempty"`
	DeclineReason string          `gorm:"type:text" json:"decline_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (DiscountRequest) TableName() string {
	return "relay_discount_requests"
}

// Course - Catalog entry used to check discount pricing
type Course struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Title     string          `gorm:"size:255"`
	PriceEUR  decimal.Decimal `gorm:"type:text"`
	Teacher   string          `gorm:"size:42"`
	CreatedAt time.Time
}

func (Course) TableName() string {
	return "relay_courses"
}

// ReferenceID accepts a course id sent either as a JSON number or string.
type ReferenceID string

func (r *ReferenceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ReferenceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = ReferenceID(n.String())
	return nil
}

func (r ReferenceID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseUint(string(r), 10, 64); err == nil {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

// DiscountCreateRequest - POST /discount/create. teo_amount is in base units.
type DiscountCreateRequest struct {
	StudentAddress   string      `json:"student_address" validate:"required,eth_addr"`
	TeacherAddress   string      `json:"teacher_address" validate:"required,eth_addr"`
	CourseID         ReferenceID `json:"course_id" validate:"required"`
	DiscountPercent  uint8       `json:"discount_percent" validate:"required,gt=0,lte=100"`
	TeoAmount        string      `json:"teo_amount" validate:"required,numeric"`
	StudentSignature string      `json:"student_signature" validate:"required"`
	Nonce            uint64      `json:"nonce" validate:"required"`
	Deadline         int64       `json:"deadline" validate:"required"`
}

// DiscountCreateResponse - Result of an accepted discount request
type DiscountCreateResponse struct {
	Success         bool   `json:"success"`
	RequestID       string `json:"request_id"`
	TransactionHash string `json:"transaction_hash"`
	GasCost         string `json:"gas_cost"`
	StudentGasCost  string `json:"student_gas_cost"`
	TeoAmount       string `json:"teo_amount"`
	Status          string `json:"status"`
}

// DiscountDecisionRequest - POST /discount/approve and /discount/decline
type DiscountDecisionRequest struct {
	RequestID       string `json:"request_id" validate:"required"`
	ApproverAddress string `json:"approver_address,omitempty" validate:"omitempty,eth_addr"`
	DeclinerAddress string `json:"decliner_address,omitempty" validate:"omitempty,eth_addr"`
	Reason          string `json:"reason,omitempty" validate:"max=500"`
}

// DiscountDecisionResponse - Outcome of approve/decline
type DiscountDecisionResponse struct {
	Success         bool   `json:"success"`
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash"`
	GasCost         string `json:"gas_cost"`
	TeacherGasCost  string `json:"teacher_gas_cost"`
}

// StakeRequest - POST /staking/stake and /staking/unstake. teo_amount is in base units.
type StakeRequest struct {
	TeacherAddress   string `json:"teacher_address" validate:"required,eth_addr"`
	TeoAmount        string `json:"teo_amount" validate:"required,numeric"`
	TeacherSignature string `json:"teacher_signature" validate:"required"`
	Nonce            uint64 `json:"nonce" validate:"required"`
	Deadline         int64  `json:"deadline" validate:"required"`
}

// StakeResponse - Result of an accepted stake or unstake
type StakeResponse struct {
	Success         bool   `json:"success"`
	AmountStaked    string `json:"amount_staked,omitempty"`
	AmountUnstaked  string `json:"amount_unstaked,omitempty"`
	TotalStaked     string `json:"total_staked"`
	NewTier         int    `json:"new_tier"`
	TierName        string `json:"tier_name"`
	CommissionRate  string `json:"commission_rate"`
	TransactionHash string `json:"transaction_hash"`
	GasCost         string `json:"gas_cost"`
	TeacherGasCost  string `json:"teacher_gas_cost"`
}

// AllowanceResponse - GET /allowance/{address}, amounts in TEO display units
type AllowanceResponse struct {
	Success            bool   `json:"success"`
	Address            string `json:"address"`
	AvailableAllowance string `json:"available_allowance"`
	PlatformAllowance  string `json:"platform_allowance"`
	UsedAllowance      string `json:"used_allowance"`
	TotalAllowance     string `json:"total_allowance"`
	WalletBalance      string `json:"wallet_balance"`
	BalanceSource      string `json:"balance_source"`
}

// TierResponse - GET /staking/tier/{address}
type TierResponse struct {
	Success          bool   `json:"success"`
	Address          string `json:"address"`
	StakedAmount     string `json:"staked_amount"`
	Tier             int    `json:"tier"`
	TierName         string `json:"tier_name"`
	CommissionRate   string `json:"commission_rate"`
	LastStakeAt      *int64 `json:"last_stake_at"`
	LastUnstakeAt    *int64 `json:"last_unstake_at"`
	StakesInWindow   int    `json:"stakes_in_window"`
	UnstakesInWindow int    `json:"unstakes_in_window"`
}

// TransactionStatusResponse - GET /transactions/{hash}
type TransactionStatusResponse struct {
	Success       bool    `json:"success"`
	TxHash        string  `json:"tx_hash"`
	Action        string  `json:"action"`
	RequestID     string  `json:"request_id,omitempty"`
	Status        string  `json:"status"` // confirmed, failed, not_found
	Confirmations uint64  `json:"confirmations"`
	BlockNumber   uint64  `json:"block_number"`
	BlockTime     *uint64 `json:"block_time,omitempty"`
	GasUsed       uint64  `json:"gas_used"`
	GasCost       string  `json:"gas_cost"`
	UserGasCost   string  `json:"user_gas_cost"`
	ExplorerURL   string  `json:"explorer_url,omitempty"`
}

// HistoryEntry - One relayed transaction, amounts in TEO display units
type HistoryEntry struct {
	TxHash      string `json:"tx_hash"`
	Action      string `json:"action"`
	From        string `json:"from_address"`
	To          string `json:"to_address,omitempty"`
	Amount      string `json:"teo_amount"`
	RequestID   string `json:"request_id,omitempty"`
	GasCost     string `json:"gas_cost"`
	UserGasCost string `json:"user_gas_cost"`
	CreatedAt   int64  `json:"created_at"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

// HistoryResponse - GET /history/{address}
type HistoryResponse struct {
	Success      bool           `json:"success"`
	Address      string         `json:"address"`
	Transactions []HistoryEntry `json:"transactions"`
}

// ErrorResponse - Standard error response
type ErrorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       int    `json:"code"`
	RetryAfter int64  `json:"retry_after,omitempty"` // seconds
}
