package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"teorelay/protocol"
)

type seedAccount struct {
	Address  common.Address
	Wallet   *big.Int
	Platform *big.Int
}

type seedCourse struct {
	ID       string
	PriceEUR decimal.Decimal
	Teacher  common.Address
}

// parseSeedAccount reads ADDRESS=WALLET_TEO,PLATFORM_TEO.
func parseSeedAccount(s string) (*seedAccount, error) {
	addr, amounts, ok := strings.Cut(s, "=")
	if !ok {
		return nil, fmt.Errorf("expected ADDRESS=WALLET,PLATFORM")
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	walletStr, platformStr, ok := strings.Cut(amounts, ",")
	if !ok {
		return nil, fmt.Errorf("expected WALLET,PLATFORM amounts")
	}
	wallet, err := protocol.TEO(strings.TrimSpace(walletStr))
	if err != nil {
		return nil, fmt.Errorf("wallet amount: %w", err)
	}
	platform, err := protocol.TEO(strings.TrimSpace(platformStr))
	if err != nil {
		return nil, fmt.Errorf("platform amount: %w", err)
	}
	return &seedAccount{Address: common.HexToAddress(addr), Wallet: wallet, Platform: platform}, nil
}

// parseSeedCourse reads ID=PRICE_EUR@TEACHER.
func parseSeedCourse(s string) (*seedCourse, error) {
	id, rest, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return nil, fmt.Errorf("expected ID=PRICE_EUR@TEACHER")
	}
	priceStr, teacher, ok := strings.Cut(rest, "@")
	if !ok {
		return nil, fmt.Errorf("expected PRICE_EUR@TEACHER")
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("invalid price %q", priceStr)
	}
	if !common.IsHexAddress(teacher) {
		return nil, fmt.Errorf("invalid teacher address %q", teacher)
	}
	return &seedCourse{ID: id, PriceEUR: price, Teacher: common.HexToAddress(teacher)}, nil
}
