package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Relayed transaction statuses
const (
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
	TxNotFound  = "not_found"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ErrTransactionNotFound is returned for hashes the relay never sent.
var ErrTransactionNotFound = errors.New("transaction not found")

// RelayedTransaction - Every transaction the platform paid gas for
type RelayedTransaction struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	TxHash      string          `gorm:"index;size:66" json:"tx_hash"`
	Action      string          `gorm:"index;size:20" json:"action"`
	FromAddress string          `gorm:"index;size:42" json:"from_address"`
	ToAddress   string          `gorm:"index;size:42" json:"to_address,omitempty"`
	Amount      decimal.Decimal `gorm:"type:text" json:"amount"`
	RequestID   string          `gorm:"size:36" json:"request_id,omitempty"`
	Nonce       uint64          `json:"nonce"`
	GasUsed     uint64          `json:"gas_used"`
	GasPrice    decimal.Decimal `gorm:"type:text" json:"gas_price"`
	Status      string          `gorm:"size:20" json:"status"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
}

func (RelayedTransaction) TableName() string {
	return "relay_transactions"
}

// GasCost is the wei the hot wallet paid.
func (t *RelayedTransaction) GasCost() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(t.GasUsed), toBig(t.GasPrice))
}

// ChainStatus - Live receipt data for a relayed transaction
type ChainStatus struct {
	Status        string
	BlockNumber   uint64
	BlockTime     *uint64
	Confirmations uint64
	GasUsed       uint64
}

// StatusReader is implemented by executors that can look transactions up on chain.
type StatusReader interface {
	Status(ctx context.Context, hash common.Hash) (*ChainStatus, error)
}

// TransactionStatus - Ledger entry plus chain data when the executor has it
type TransactionStatus struct {
	Transaction *RelayedTransaction
	Chain       *ChainStatus
}

func recordTransaction(tx *gorm.DB, call Call, exec *Execution, requestID string, now time.Time) error {
	row := RelayedTransaction{
		TxHash:      exec.TxHash.Hex(),
		Action:      call.Action.String(),
		FromAddress: addressKey(call.From),
		Amount:      toDecimal(call.Amount),
		RequestID:   requestID,
		Nonce:       call.Nonce,
		GasUsed:     exec.GasUsed,
		GasPrice:    toDecimal(exec.GasPrice),
		Status:      TxConfirmed,
		CreatedAt:   now,
	}
	if call.To != (common.Address{}) {
		row.ToAddress = addressKey(call.To)
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// Transaction looks up a relayed transaction by hash and, when the executor
// reads chain state, attaches the live receipt status.
func (s *Service) Transaction(ctx context.Context, hash common.Hash) (*TransactionStatus, error) {
	var row RelayedTransaction
	err := s.db.WithContext(ctx).Where("tx_hash = ?", hash.Hex()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	res := &TransactionStatus{Transaction: &row}
	if reader, ok := s.exec.(StatusReader); ok {
		chain, err := reader.Status(ctx, hash)
		if err != nil {
			s.log.Warn().Err(err).Str("tx", hash.Hex()).Msg("chain status unavailable")
		} else {
			res.Chain = chain
		}
	}
	return res, nil
}

// History lists the most recent relayed transactions moving addr's tokens or
// paying addr, newest first.
func (s *Service) History(ctx context.Context, addr common.Address, limit int) ([]RelayedTransaction, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	key := addressKey(addr)
	var rows []RelayedTransaction
	err := s.db.WithContext(ctx).
		Where("from_address = ? OR to_address = ?", key, key).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return rows, nil
}
