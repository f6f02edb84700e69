package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"teorelay/protocol"
)

// KeyWallet signs with an in-process private key. It stands in for a browser
// wallet in tests and in the CLI; never ship user keys to a backend.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu      sync.Mutex
	chainID uint64
	approve func(msg []byte) bool
	prompts int
}

// NewKeyWallet wraps key on chainID.
func NewKeyWallet(key *ecdsa.PrivateKey, chainID uint64) *KeyWallet {
	return &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}
}

// KeyWalletFromHex parses a hex private key, with or without 0x.
func KeyWalletFromHex(privateKeyHex string, chainID uint64) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeyWallet(key, chainID), nil
}

// GenerateKeyWallet creates a wallet with a fresh random key.
func GenerateKeyWallet(chainID uint64) (*KeyWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeyWallet(key, chainID), nil
}

// OnPrompt installs the function deciding whether a signing prompt is
// accepted. Without one every prompt is accepted.
func (w *KeyWallet) OnPrompt(approve func(msg []byte) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.approve = approve
}

// Prompts counts signature prompts shown so far.
func (w *KeyWallet) Prompts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prompts
}

func (w *KeyWallet) Address() common.Address { return w.address }

func (w *KeyWallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{w.address}, nil
}

func (w *KeyWallet) ChainID(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *KeyWallet) SwitchChain(ctx context.Context, chainID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chainID = chainID
	return nil
}

// PersonalSign signs the EIP-191 digest of msg.
func (w *KeyWallet) PersonalSign(ctx context.Context, msg []byte, account common.Address) (string, error) {
	if account != w.address {
		return "", fmt.Errorf("%w: %s", protocol.ErrSignerMismatch, account.Hex())
	}
	w.mu.Lock()
	w.prompts++
	approve := w.approve
	w.mu.Unlock()

	if approve != nil && !approve(msg) {
		return "", protocol.ErrUserCancelled
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return protocol.EncodeSignature(sig), nil
}
