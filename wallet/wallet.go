package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Wallet is the subset of an EIP-1193 provider the signing client needs.
// Implementations return protocol.ErrUserCancelled when the user declines a
// prompt and protocol.ErrWalletUnavailable when no provider answers.
type Wallet interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	PersonalSign(ctx context.Context, msg []byte, account common.Address) (string, error)
}

// Chain ids the platform runs on.
const (
	PolygonMainnet uint64 = 137
	PolygonAmoy    uint64 = 80002
)

// ChainName - Human readable network name
func ChainName(chainID uint64) string {
	switch chainID {
	case PolygonMainnet:
		return "Polygon"
	case PolygonAmoy:
		return "Polygon Amoy"
	default:
		return fmt.Sprintf("chain %d", chainID)
	}
}

// ExplorerURL - Generate explorer URL for a transaction hash
func ExplorerURL(chainID uint64, txHash string) string {
	switch chainID {
	case PolygonMainnet:
		return "https://polygonscan.com/tx/" + txHash
	case PolygonAmoy:
		return "https://amoy.polygonscan.com/tx/" + txHash
	default:
		return ""
	}
}
