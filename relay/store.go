package relay

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"teorelay/protocol"
)

// OpenDB opens the relay ledger. An empty dsn opens a private in-memory
// database.
func OpenDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	// sqlite serializes writers; one connection also keeps :memory: shared
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates the relay tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Account{}, &UsedNonce{}, &StakeEvent{}, &DiscountRequest{}, &Course{}, &RelayedTransaction{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func toBig(d decimal.Decimal) *big.Int {
	return d.BigInt()
}

// loadAccount returns the ledger row for addr, zero-valued when absent.
func loadAccount(tx *gorm.DB, addr common.Address) (*Account, error) {
	var acc Account
	err := tx.Where("address = ?", addressKey(addr)).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Account{Address: addressKey(addr)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acc, nil
}

func saveAccount(tx *gorm.DB, acc *Account) error {
	if err := tx.Save(acc).Error; err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// platformAvailable is the unspent platform-granted allowance.
func (a *Account) platformAvailable() *big.Int {
	v := toBig(a.PlatformAllowance.Sub(a.UsedAllowance))
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

// spendable picks the higher of wallet balance and unspent platform allowance.
func (a *Account) spendable() (*big.Int, protocol.BalanceSource) {
	platform := a.platformAvailable()
	wallet := toBig(a.WalletBalance)
	if wallet.Cmp(platform) > 0 {
		return wallet, protocol.SourceWallet
	}
	return platform, protocol.SourcePlatform
}

func (a *Account) snapshot(now time.Time) *protocol.AllowanceSnapshot {
	available, source := a.spendable()
	return &protocol.AllowanceSnapshot{
		Signer:            common.HexToAddress(a.Address),
		Available:         available,
		Used:              toBig(a.UsedAllowance),
		Total:             toBig(a.PlatformAllowance),
		WalletBalance:     toBig(a.WalletBalance),
		PlatformAllowance: a.platformAvailable(),
		Source:            source,
		FetchedAt:         now,
	}
}

// nonceUsed reports whether nonce was already consumed for signer and op.
func nonceUsed(tx *gorm.DB, signer common.Address, op protocol.OperationType, nonce uint64) (bool, error) {
	var count int64
	err := tx.Model(&UsedNonce{}).
		Where("wallet = ? AND operation = ? AND nonce = ?", addressKey(signer), uint8(op), nonce).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

// reserveNonce takes nonce for signer and op before anything is executed.
func reserveNonce(tx *gorm.DB, signer common.Address, op protocol.OperationType, nonce uint64, now time.Time) error {
	row := UsedNonce{
		Wallet:    addressKey(signer),
		Operation: uint8(op),
		Nonce:     nonce,
		Status:    NonceReserved,
		CreatedAt: now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to reserve nonce: %w", err)
	}
	return nil
}

// settleNonce records how a reserved nonce ended. The row is never removed.
func settleNonce(tx *gorm.DB, signer common.Address, op protocol.OperationType, nonce uint64, status string, txHash common.Hash) error {
	updates := map[string]interface{}{"status": status}
	if txHash != (common.Hash{}) {
		updates["tx_hash"] = txHash.Hex()
	}
	err := tx.Model(&UsedNonce{}).
		Where("wallet = ? AND operation = ? AND nonce = ?", addressKey(signer), uint8(op), nonce).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to settle nonce: %w", err)
	}
	return nil
}

// tierState rebuilds the staking position of teacher from the event log.
func tierState(tx *gorm.DB, teacher common.Address, window time.Duration, now time.Time) (*protocol.TierState, error) {
	acc, err := loadAccount(tx, teacher)
	if err != nil {
		return nil, err
	}
	var events []StakeEvent
	if err := tx.Where("teacher = ?", addressKey(teacher)).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to load stake events: %w", err)
	}

	staked := toBig(acc.Staked)
	tier := protocol.TierFor(staked)
	state := &protocol.TierState{
		Signer:         teacher,
		Staked:         staked,
		Tier:           tier,
		CommissionRate: tier.CommissionRate(),
		FetchedAt:      now,
	}
	since := now.Add(-window)
	for _, ev := range events {
		inWindow := ev.CreatedAt.After(since)
		switch ev.Kind {
		case "stake":
			if ev.CreatedAt.After(state.LastStakeAt) {
				state.LastStakeAt = ev.CreatedAt
			}
			if inWindow {
				state.StakesInWindow++
			}
		case "unstake":
			if ev.CreatedAt.After(state.LastUnstakeAt) {
				state.LastUnstakeAt = ev.CreatedAt
			}
			if inWindow {
				state.UnstakesInWindow++
			}
		}
	}
	return state, nil
}

// SeedAccount sets the wallet balance and platform allowance of addr.
func SeedAccount(db *gorm.DB, addr common.Address, walletBalance, platformAllowance *big.Int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		acc, err := loadAccount(tx, addr)
		if err != nil {
			return err
		}
		acc.WalletBalance = toDecimal(walletBalance)
		acc.PlatformAllowance = toDecimal(platformAllowance)
		return saveAccount(tx, acc)
	})
}

// SeedCourse registers a course price for discount checks.
func SeedCourse(db *gorm.DB, id, title string, priceEUR decimal.Decimal, teacher common.Address) error {
	course := Course{ID: id, Title: title, PriceEUR: priceEUR, Teacher: addressKey(teacher)}
	if err := db.Save(&course).Error; err != nil {
		return fmt.Errorf("failed to seed course: %w", err)
	}
	return nil
}
