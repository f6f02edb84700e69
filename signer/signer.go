package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"teorelay/protocol"
	"teorelay/wallet"
)

// Intent - What the user asked to do, before signing
type Intent struct {
	Operation       protocol.OperationType
	Signer          common.Address
	Counterparty    *common.Address // teacher, discount only
	ReferenceID     string          // course id, discount only
	DiscountPercent uint8           // discount only
	Amount          *big.Int        // base units
}

// Config tunes the signing client.
type Config struct {
	ChainID      uint64
	AllowSwitch  bool          // ask the wallet to switch networks instead of failing
	SignTimeout  time.Duration // how long the wallet prompt may stay open
	SignatureTTL time.Duration // deadline embedded in the message
	DemoMode     bool          // substitute the zero address for a missing teacher
}

// Client builds canonical messages and collects wallet signatures. It never
// sends transactions and never spends gas.
type Client struct {
	wallet wallet.Wallet
	cfg    Config
	nonces *NonceSource
	log    zerolog.Logger
	now    func() time.Time
}

// New - Initialize signing client
func New(w wallet.Wallet, cfg Config, log zerolog.Logger) *Client {
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = 2 * time.Minute
	}
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = 10 * time.Minute
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = wallet.PolygonAmoy
	}
	return &Client{
		wallet: w,
		cfg:    cfg,
		nonces: NewNonceSource(nil),
		log:    log.With().Str("component", "signer").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	c.nonces = NewNonceSource(now)
	return c
}

// Account returns the account the wallet currently authorizes.
func (c *Client) Account(ctx context.Context) (common.Address, error) {
	if c.wallet == nil {
		return common.Address{}, protocol.ErrWalletUnavailable
	}
	accounts, err := c.wallet.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, protocol.ErrWalletUnavailable
	}
	return accounts[0], nil
}

// BuildAndSign validates in, allocates a fresh nonce and deadline, and asks the
// wallet for a personal-sign signature over the canonical message.
func (c *Client) BuildAndSign(ctx context.Context, in Intent) (*protocol.SignedOperationRequest, error) {
	req, err := c.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return c.Sign(ctx, req)
}

// Prepare checks the wallet, account, chain and required fields and builds the
// unsigned request. The wallet is never prompted here.
func (c *Client) Prepare(ctx context.Context, in Intent) (*protocol.SignedOperationRequest, error) {
	if c.wallet == nil {
		return nil, protocol.ErrWalletUnavailable
	}
	if err := c.normalize(&in); err != nil {
		return nil, err
	}

	account, err := c.Account(ctx)
	if err != nil {
		return nil, err
	}
	if account != in.Signer {
		return nil, fmt.Errorf("%w: wallet has %s, request names %s", protocol.ErrSignerMismatch, account.Hex(), in.Signer.Hex())
	}
	if err := c.ensureChain(ctx); err != nil {
		return nil, err
	}

	return &protocol.SignedOperationRequest{
		Operation:       in.Operation,
		Signer:          in.Signer,
		Counterparty:    in.Counterparty,
		ReferenceID:     strings.TrimSpace(in.ReferenceID),
		DiscountPercent: in.DiscountPercent,
		Amount:          new(big.Int).Set(in.Amount),
		Nonce:           c.nonces.Next(in.Signer),
		Deadline:        c.now().Add(c.cfg.SignatureTTL).Truncate(time.Second),
	}, nil
}

// Sign prompts the wallet for req's signature, giving up after SignTimeout.
func (c *Client) Sign(ctx context.Context, req *protocol.SignedOperationRequest) (*protocol.SignedOperationRequest, error) {
	if c.wallet == nil {
		return nil, protocol.ErrWalletUnavailable
	}
	msg, err := req.Message()
	if err != nil {
		return nil, err
	}

	signCtx, cancel := context.WithTimeout(ctx, c.cfg.SignTimeout)
	defer cancel()

	log := c.log.With().Str("signer", req.Signer.Hex()).Stringer("op", req.Operation).Uint64("nonce", req.Nonce).Logger()
	log.Debug().Msg("awaiting wallet signature")

	// the wallet may ignore ctx, so the prompt is abandoned rather than awaited
	done := make(chan signResult, 1)
	go func() {
		sig, err := c.wallet.PersonalSign(signCtx, msg, req.Signer)
		done <- signResult{sig: sig, err: err}
	}()

	var sig string
	select {
	case r := <-done:
		sig, err = r.sig, r.err
	case <-signCtx.Done():
		err = signCtx.Err()
	}
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUserCancelled):
			log.Info().Msg("user declined signature")
			return nil, protocol.ErrUserCancelled
		case errors.Is(signCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			log.Warn().Dur("timeout", c.cfg.SignTimeout).Msg("signature prompt timed out")
			return nil, fmt.Errorf("%w after %s", protocol.ErrSigningTimeout, c.cfg.SignTimeout)
		case ctx.Err() != nil:
			return nil, protocol.ErrUserCancelled
		}
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	// a wallet that signed with another key is caught here rather than at the relay
	if err := protocol.VerifySignature(msg, sig, req.Signer); err != nil {
		return nil, err
	}
	req.Signature = sig
	return req, nil
}

type signResult struct {
	sig string
	err error
}

func (c *Client) normalize(in *Intent) error {
	if !in.Operation.Valid() {
		return fmt.Errorf("%w: operation", protocol.ErrMissingRequiredField)
	}
	if in.Signer == (common.Address{}) {
		return fmt.Errorf("%w: signer", protocol.ErrMissingRequiredField)
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive integer in base units")
	}
	if in.Operation != protocol.DiscountRedemption {
		in.Counterparty = nil
		in.ReferenceID = ""
		in.DiscountPercent = 0
		return nil
	}
	if in.Counterparty == nil || *in.Counterparty == (common.Address{}) {
		if !c.cfg.DemoMode {
			return fmt.Errorf("%w: teacher address", protocol.ErrMissingRequiredField)
		}
		zero := common.Address{}
		in.Counterparty = &zero
		c.log.Warn().Str("course", in.ReferenceID).Msg("demo mode: teacher address missing, using zero address")
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return fmt.Errorf("%w: course id", protocol.ErrMissingRequiredField)
	}
	return nil
}

func (c *Client) ensureChain(ctx context.Context) error {
	id, err := c.wallet.ChainID(ctx)
	if err != nil {
		return err
	}
	if id == c.cfg.ChainID {
		return nil
	}
	if !c.cfg.AllowSwitch {
		return fmt.Errorf("%w: on %s, need %s", protocol.ErrChainMismatch, wallet.ChainName(id), wallet.ChainName(c.cfg.ChainID))
	}
	c.log.Info().Uint64("from", id).Uint64("to", c.cfg.ChainID).Msg("switching wallet network")
	return c.wallet.SwitchChain(ctx, c.cfg.ChainID)
}
