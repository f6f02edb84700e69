package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"teorelay/protocol"
)

// EIP-1193 provider error codes.
const (
	codeUserRejected      = 4001
	codeUnauthorized      = 4100
	codeUnsupportedMethod = 4200
	codeDisconnected      = 4900
	codeUnrecognizedChain = 4902
)

// RPCWallet talks to a wallet that exposes the EIP-1193 methods over
// JSON-RPC, such as a signer daemon or a browser bridge.
type RPCWallet struct {
	client *rpc.Client
}

// DialRPCWallet connects to the wallet endpoint at url.
func DialRPCWallet(ctx context.Context, url string) (*RPCWallet, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrWalletUnavailable, err)
	}
	return &RPCWallet{client: client}, nil
}

func (w *RPCWallet) Close() { w.client.Close() }

func (w *RPCWallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := w.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, mapRPCError("eth_requestAccounts", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: no authorized accounts", protocol.ErrWalletUnavailable)
	}
	return accounts, nil
}

func (w *RPCWallet) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := w.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, mapRPCError("eth_chainId", err)
	}
	return uint64(id), nil
}

func (w *RPCWallet) SwitchChain(ctx context.Context, chainID uint64) error {
	param := map[string]string{"chainId": hexutil.EncodeUint64(chainID)}
	if err := w.client.CallContext(ctx, nil, "wallet_switchEthereumChain", param); err != nil {
		return mapRPCError("wallet_switchEthereumChain", err)
	}
	return nil
}

// PersonalSign asks the wallet to personal_sign msg with account.
func (w *RPCWallet) PersonalSign(ctx context.Context, msg []byte, account common.Address) (string, error) {
	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(msg), account); err != nil {
		return "", mapRPCError("personal_sign", err)
	}
	return protocol.EncodeSignature(sig), nil
}

func mapRPCError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected:
			return protocol.ErrUserCancelled
		case codeUnrecognizedChain:
			return fmt.Errorf("%w: %s", protocol.ErrChainMismatch, rpcErr.Error())
		case codeUnauthorized, codeUnsupportedMethod, codeDisconnected:
			return fmt.Errorf("%w: %s", protocol.ErrWalletUnavailable, rpcErr.Error())
		}
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return fmt.Errorf("%w: %s: %v", protocol.ErrWalletUnavailable, method, err)
}
