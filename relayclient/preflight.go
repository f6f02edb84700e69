package relayclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"teorelay/protocol"
)

// Preflight checks an operation against cached relay data before the user is
// asked to sign. It is advisory: the relay repeats every check. Data older
// than the cache MaxAge is refreshed first, and a failed refresh fails the
// check.
func (c *Client) Preflight(ctx context.Context, op protocol.OperationType, signer common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return protocol.Reject(protocol.ReasonInvalidRequest, "amount must be positive")
	}
	maxAge := c.cache.MaxAge()
	now := c.now()

	switch op {
	case protocol.DiscountRedemption:
		snap, err := c.cache.FreshAllowance(ctx, signer, maxAge)
		if err != nil {
			return err
		}
		if amount.Cmp(snap.Available) > 0 {
			return protocol.Reject(protocol.ReasonInsufficientAllowance,
				"need %s, available %s", protocol.FormatTEO(amount), protocol.FormatTEO(snap.Available))
		}
		return nil

	case protocol.TeacherStake:
		state, err := c.cache.FreshTier(ctx, signer, maxAge)
		if err != nil {
			return err
		}
		if err := c.policy.CheckStake(state, amount, now); err != nil {
			return asRejection(err)
		}
		snap, err := c.cache.FreshAllowance(ctx, signer, maxAge)
		if err != nil {
			return err
		}
		if snap.WalletBalance.Cmp(amount) < 0 {
			return protocol.Reject(protocol.ReasonInsufficientAllowance,
				"balance %s, stake %s", protocol.FormatTEO(snap.WalletBalance), protocol.FormatTEO(amount))
		}
		return nil

	case protocol.TeacherUnstake:
		state, err := c.cache.FreshTier(ctx, signer, maxAge)
		if err != nil {
			return err
		}
		if err := c.policy.CheckUnstake(state, amount, now); err != nil {
			return asRejection(err)
		}
		return nil
	}
	return fmt.Errorf("%w: operation", protocol.ErrMissingRequiredField)
}

func asRejection(err error) error {
	var rej *protocol.RejectedError
	if errors.As(err, &rej) {
		return rej
	}
	return protocol.Reject(protocol.ReasonInvalidRequest, "%v", err)
}
