package main

import (
	"fmt"
	"strings"
	"time"

	"teorelay/protocol"
	"teorelay/relayclient"
	"teorelay/wallet"
)

func formatAllowance(s *protocol.AllowanceSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Address:    %s\n", s.Signer.Hex())
	fmt.Fprintf(&b, "Available:  %s (%s)\n", protocol.FormatTEO(s.Available), s.Source)
	fmt.Fprintf(&b, "Used:       %s of %s\n", protocol.FormatTEO(s.Used), protocol.FormatTEO(s.Total))
	fmt.Fprintf(&b, "Wallet:     %s\n", protocol.FormatTEO(s.WalletBalance))
	if s.Stale {
		fmt.Fprintf(&b, "Stale:      fetched %s\n", s.FetchedAt.Format(time.RFC3339))
	}
	return b.String()
}

func formatTier(s *protocol.TierState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Staked:     %s\n", protocol.FormatTEO(s.Staked))
	fmt.Fprintf(&b, "Tier:       %s, commission %s\n", s.Tier, protocol.FormatRate(s.CommissionRate))
	fmt.Fprintf(&b, "Window:     %d stakes, %d unstakes\n", s.StakesInWindow, s.UnstakesInWindow)
	if s.Stale {
		fmt.Fprintf(&b, "Stale:      fetched %s\n", s.FetchedAt.Format(time.RFC3339))
	}
	return b.String()
}

func formatReceipt(r *protocol.RelayReceipt, chainID uint64) string {
	var b strings.Builder
	if r.RequestID != "" {
		fmt.Fprintf(&b, "Request:    %s\n", r.RequestID)
	}
	fmt.Fprintf(&b, "Tx:         %s\n", r.TransactionHash.Hex())
	if url := wallet.ExplorerURL(chainID, r.TransactionHash.Hex()); url != "" {
		fmt.Fprintf(&b, "Explorer:   %s\n", url)
	}
	if r.NewTier != nil {
		fmt.Fprintf(&b, "New tier:   %s, commission %s\n", *r.NewTier, protocol.FormatRate(r.NewTier.CommissionRate()))
	}
	fmt.Fprintf(&b, "Gas paid:   %s by the platform, %s by you\n", r.GasCostBorneByPlatform, r.UserGasCost)
	return b.String()
}

func formatOutcome(out *relayclient.Outcome, chainID uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", out.State, out.Message())
	if out.Receipt != nil {
		b.WriteString(formatReceipt(out.Receipt, chainID))
	}
	return b.String()
}

func formatHistory(transfers []relayclient.Transfer) string {
	if len(transfers) == 0 {
		return "No relayed transactions.\n"
	}
	var b strings.Builder
	for _, t := range transfers {
		fmt.Fprintf(&b, "%s  %-16s %14s  %s  gas %s\n",
			t.At.UTC().Format("2006-01-02 15:04"), t.Action, protocol.FormatTEO(t.Amount), t.TxHash.Hex(), t.GasCost)
	}
	return b.String()
}
