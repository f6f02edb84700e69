package signer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teorelay/protocol"
	"teorelay/wallet"
)

var teacher = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")

func setup(t *testing.T, cfg Config) (*Client, *wallet.KeyWallet) {
	w, err := wallet.GenerateKeyWallet(wallet.PolygonAmoy)
	require.NoError(t, err)
	if cfg.ChainID == 0 {
		cfg.ChainID = wallet.PolygonAmoy
	}
	return New(w, cfg, zerolog.Nop()), w
}

func discountIntent(signer common.Address) Intent {
	return Intent{
		Operation:       protocol.DiscountRedemption,
		Signer:          signer,
		Counterparty:    &teacher,
		ReferenceID:     "42",
		DiscountPercent: 10,
		Amount:          protocol.MustTEO("10"),
	}
}

func TestBuildAndSignDiscount(t *testing.T) {
	c, w := setup(t, Config{})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	req, err := c.BuildAndSign(context.Background(), discountIntent(w.Address()))
	require.NoError(t, err)

	assert.Equal(t, uint64(now.UnixMilli()), req.Nonce)
	assert.Equal(t, now.Add(10*time.Minute), req.Deadline)
	assert.NoError(t, req.Verify())
	assert.Equal(t, 1, w.Prompts())

	// a second request in the same millisecond still gets a fresh nonce
	again, err := c.BuildAndSign(context.Background(), discountIntent(w.Address()))
	require.NoError(t, err)
	assert.Greater(t, again.Nonce, req.Nonce)
}

func TestBuildAndSignStakeDropsDiscountFields(t *testing.T) {
	c, w := setup(t, Config{})
	in := discountIntent(w.Address())
	in.Operation = protocol.TeacherStake

	req, err := c.BuildAndSign(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, req.Counterparty)
	assert.Empty(t, req.ReferenceID)
	assert.NoError(t, req.Verify())
}

func TestBuildAndSignMissingTeacher(t *testing.T) {
	c, w := setup(t, Config{})
	in := discountIntent(w.Address())
	in.Counterparty = nil

	_, err := c.BuildAndSign(context.Background(), in)
	assert.ErrorIs(t, err, protocol.ErrMissingRequiredField)
	assert.Zero(t, w.Prompts())

	demo, dw := setup(t, Config{DemoMode: true})
	in = discountIntent(dw.Address())
	in.Counterparty = nil
	req, err := demo.BuildAndSign(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, *req.Counterparty)
}

func TestBuildAndSignUserCancels(t *testing.T) {
	c, w := setup(t, Config{})
	w.OnPrompt(func([]byte) bool { return false })

	_, err := c.BuildAndSign(context.Background(), discountIntent(w.Address()))
	assert.ErrorIs(t, err, protocol.ErrUserCancelled)
}

func TestBuildAndSignWrongAccount(t *testing.T) {
	c, _ := setup(t, Config{})
	_, err := c.BuildAndSign(context.Background(), discountIntent(teacher))
	assert.ErrorIs(t, err, protocol.ErrSignerMismatch)
}

func TestBuildAndSignNoWallet(t *testing.T) {
	c := New(nil, Config{}, zerolog.Nop())
	_, err := c.BuildAndSign(context.Background(), discountIntent(teacher))
	assert.ErrorIs(t, err, protocol.ErrWalletUnavailable)
}

func TestBuildAndSignChain(t *testing.T) {
	c, w := setup(t, Config{ChainID: wallet.PolygonMainnet})
	_, err := c.BuildAndSign(context.Background(), discountIntent(w.Address()))
	assert.ErrorIs(t, err, protocol.ErrChainMismatch)

	c, w = setup(t, Config{ChainID: wallet.PolygonMainnet, AllowSwitch: true})
	_, err = c.BuildAndSign(context.Background(), discountIntent(w.Address()))
	require.NoError(t, err)
	id, _ := w.ChainID(context.Background())
	assert.Equal(t, wallet.PolygonMainnet, id)
}

// hungWallet never answers the signing prompt.
type hungWallet struct{ *wallet.KeyWallet }

func (h hungWallet) PersonalSign(ctx context.Context, _ []byte, _ common.Address) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestBuildAndSignTimeout(t *testing.T) {
	kw, err := wallet.GenerateKeyWallet(wallet.PolygonAmoy)
	require.NoError(t, err)
	c := New(hungWallet{kw}, Config{SignTimeout: 20 * time.Millisecond}, zerolog.Nop())

	_, err = c.BuildAndSign(context.Background(), discountIntent(kw.Address()))
	assert.ErrorIs(t, err, protocol.ErrSigningTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.BuildAndSign(ctx, discountIntent(kw.Address()))
	assert.ErrorIs(t, err, protocol.ErrUserCancelled)
}

func TestBuildAndSignTimeoutIgnoredContext(t *testing.T) {
	c, w := setup(t, Config{SignTimeout: 50 * time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	// KeyWallet prompts do not watch ctx
	w.OnPrompt(func([]byte) bool {
		<-block
		return true
	})

	errc := make(chan error, 1)
	go func() {
		_, err := c.BuildAndSign(context.Background(), discountIntent(w.Address()))
		errc <- err
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, protocol.ErrSigningTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("BuildAndSign did not return after SignTimeout")
	}
}

func TestNonceSourcePerSigner(t *testing.T) {
	fixed := time.UnixMilli(1000)
	n := NewNonceSource(func() time.Time { return fixed })
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	assert.Equal(t, uint64(1000), n.Next(a))
	assert.Equal(t, uint64(1001), n.Next(a))
	assert.Equal(t, uint64(1000), n.Next(b))
}

func TestNonceSourceForgetsIdleSigners(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	n := NewNonceSource(func() time.Time { return now })
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	n.Next(a)
	n.Next(a)
	assert.Len(t, n.last, 1)

	now = now.Add(2 * nonceRetention)
	first := n.Next(b)
	assert.Len(t, n.last, 1)
	assert.Equal(t, uint64(now.UnixMilli()), first)

	// a forgotten signer still moves forward with the clock
	assert.Equal(t, uint64(now.UnixMilli()), n.Next(a))
	assert.Greater(t, n.Next(a), first)
}
