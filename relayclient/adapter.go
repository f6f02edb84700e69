package relayclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"teorelay/protocol"
)

// Relay backends have shipped several shapes of the balance payload. The
// decoders below are the only place that knows about them.

var (
	availableKeys = []string{"available_allowance", "platform_allowance", "balance", "teo_balance"}
	platformKeys  = []string{"platform_allowance", "available_allowance"}
	walletKeys    = []string{"wallet_balance"}
	usedKeys      = []string{"used_allowance"}
	totalKeys     = []string{"total_allowance"}
	stakedKeys    = []string{"staked_amount", "total_staked", "staked"}
)

type payload map[string]json.RawMessage

func decodePayload(data []byte) (payload, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode relay response: %w", err)
	}
	// some backends wrap the body in {"data": {...}}
	if inner, ok := p["data"]; ok && len(bytes.TrimSpace(inner)) > 0 && bytes.TrimSpace(inner)[0] == '{' {
		var nested payload
		if err := json.Unmarshal(inner, &nested); err == nil {
			return nested, nil
		}
	}
	return p, nil
}

func (p payload) has(key string) bool {
	raw, ok := p[key]
	return ok && string(bytes.TrimSpace(raw)) != "null"
}

func (p payload) str(key string) string {
	if !p.has(key) {
		return ""
	}
	var s string
	if err := json.Unmarshal(p[key], &s); err == nil {
		return s
	}
	return strings.Trim(string(p[key]), `"`)
}

// display reads a TEO display amount, string or number, as base units.
func (p payload) display(keys ...string) (*big.Int, bool, error) {
	for _, key := range keys {
		if !p.has(key) {
			continue
		}
		raw := strings.Trim(strings.TrimSpace(string(p[key])), `"`)
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, false, fmt.Errorf("field %s: invalid amount %q", key, raw)
		}
		v, err := protocol.ToBaseUnits(d)
		if err != nil {
			return nil, false, fmt.Errorf("field %s: %w", key, err)
		}
		return v, true, nil
	}
	return new(big.Int), false, nil
}

func (p payload) integer(key string) (int64, bool) {
	if !p.has(key) {
		return 0, false
	}
	raw := strings.Trim(strings.TrimSpace(string(p[key])), `"`)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

func (p payload) unixTime(key string) time.Time {
	n, ok := p.integer(key)
	if !ok || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// decodeAllowance normalizes an allowance body into a snapshot in base units,
// surfacing the higher of wallet balance and platform allowance.
func decodeAllowance(data []byte, addr common.Address, now time.Time) (*protocol.AllowanceSnapshot, error) {
	p, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	available, found, err := p.display(availableKeys...)
	if err != nil {
		return nil, err
	}
	walletBalance, hasWallet, err := p.display(walletKeys...)
	if err != nil {
		return nil, err
	}
	if !found && !hasWallet {
		return nil, fmt.Errorf("relay response carries no allowance field")
	}
	platform, _, err := p.display(platformKeys...)
	if err != nil {
		return nil, err
	}
	used, _, err := p.display(usedKeys...)
	if err != nil {
		return nil, err
	}
	total, hasTotal, err := p.display(totalKeys...)
	if err != nil {
		return nil, err
	}
	if !hasTotal {
		total = new(big.Int).Add(platform, used)
	}

	snap := &protocol.AllowanceSnapshot{
		Signer:            addr,
		Available:         available,
		Used:              used,
		Total:             total,
		WalletBalance:     walletBalance,
		PlatformAllowance: platform,
		Source:            protocol.SourcePlatform,
		FetchedAt:         now,
	}
	switch protocol.BalanceSource(p.str("balance_source")) {
	case protocol.SourceWallet:
		snap.Source = protocol.SourceWallet
	case protocol.SourceDemo:
		snap.Source = protocol.SourceDemo
	}
	if walletBalance.Cmp(snap.Available) > 0 {
		snap.Available = new(big.Int).Set(walletBalance)
		snap.Source = protocol.SourceWallet
	}
	return snap, nil
}

// decodeTier normalizes a staking tier body. The tier is recomputed from the
// staked amount when the body omits it.
func decodeTier(data []byte, addr common.Address, now time.Time) (*protocol.TierState, error) {
	p, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	staked, found, err := p.display(stakedKeys...)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("relay response carries no staked amount")
	}

	tier := protocol.TierFor(staked)
	if n, ok := p.integer("tier"); ok && protocol.Tier(n).Valid() {
		tier = protocol.Tier(n)
	}
	stakes, _ := p.integer("stakes_in_window")
	unstakes, _ := p.integer("unstakes_in_window")

	return &protocol.TierState{
		Signer:           addr,
		Staked:           staked,
		Tier:             tier,
		CommissionRate:   tier.CommissionRate(),
		LastStakeAt:      p.unixTime("last_stake_at"),
		LastUnstakeAt:    p.unixTime("last_unstake_at"),
		StakesInWindow:   int(stakes),
		UnstakesInWindow: int(unstakes),
		FetchedAt:        now,
	}, nil
}

// receiptFields reads the fields shared by every successful mutation.
type receiptFields struct {
	RequestID       string `json:"request_id"`
	TransactionHash string `json:"transaction_hash"`
	GasCost         string `json:"gas_cost"`
	NewTier         *int   `json:"new_tier"`
	TotalStaked     string `json:"total_staked"`
}

func decodeReceipt(data []byte, req *protocol.SignedOperationRequest) (*protocol.RelayReceipt, error) {
	var f receiptFields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode relay receipt: %w", err)
	}
	if !strings.HasPrefix(f.TransactionHash, "0x") {
		return nil, fmt.Errorf("relay receipt has no transaction hash")
	}
	receipt := &protocol.RelayReceipt{
		RequestID:              f.RequestID,
		TransactionHash:        common.HexToHash(f.TransactionHash),
		GasCostBorneByPlatform: f.GasCost,
		UserGasCost:            protocol.ZeroGas,
	}
	if req != nil && req.Amount != nil {
		receipt.AmountApplied = new(big.Int).Set(req.Amount)
	}
	if f.NewTier != nil && protocol.Tier(*f.NewTier).Valid() {
		tier := protocol.Tier(*f.NewTier)
		receipt.NewTier = &tier
	}
	return receipt, nil
}

// errorBody is the relay's 4xx payload.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
}

func decodeRejection(data []byte, status int) *protocol.RejectedError {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return &protocol.RejectedError{Reason: protocol.ReasonUnknown, Message: fmt.Sprintf("status %d", status)}
	}
	rej := &protocol.RejectedError{
		Reason:  protocol.ParseReason(body.Error),
		Message: body.Message,
	}
	if body.RetryAfter > 0 {
		rej.RetryAfter = time.Duration(body.RetryAfter) * time.Second
	}
	return rej
}
