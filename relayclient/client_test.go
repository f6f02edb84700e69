package relayclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"teorelay/protocol"
	"teorelay/relay"
	"teorelay/signer"
	"teorelay/wallet"
)

// harness runs the mock relay behind httptest and a client-side stack
// against it, all on one clock.
type harness struct {
	clock  *testClock
	db     *gorm.DB
	exec   *relay.SimulatedExecutor
	srv    *httptest.Server
	down   atomic.Bool
	client *Client

	// when slow is set, discount submissions take 30ms and are counted
	slow        atomic.Bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{clock: newTestClock(), exec: relay.NewSimulatedExecutor()}

	db, err := relay.OpenDB("")
	require.NoError(t, err)
	h.db = db
	svc := relay.NewService(db, h.exec, zerolog.Nop()).WithClock(h.clock.Now)
	handler := relay.NewServer(svc, relay.ServerOptions{Log: zerolog.Nop()})

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if h.slow.Load() && strings.HasSuffix(r.URL.Path, "/discount/create") {
			n := h.inFlight.Add(1)
			defer h.inFlight.Add(-1)
			for {
				m := h.maxInFlight.Load()
				if n <= m || h.maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.srv.Close)

	cfg.BaseURL = h.srv.URL
	h.client = New(cfg, zerolog.Nop()).WithClock(h.clock.Now)
	return h
}

func (h *harness) user(t *testing.T) (*wallet.KeyWallet, *signer.Client) {
	t.Helper()
	w, err := wallet.GenerateKeyWallet(wallet.PolygonAmoy)
	require.NoError(t, err)
	s := signer.New(w, signer.Config{ChainID: wallet.PolygonAmoy}, zerolog.Nop()).WithClock(h.clock.Now)
	return w, s
}

func (h *harness) operator(s *signer.Client) *Operator {
	return NewOperator(s, h.client, zerolog.Nop())
}

func discountIntent(student, teacher common.Address, amount string) signer.Intent {
	return signer.Intent{
		Operation:       protocol.DiscountRedemption,
		Signer:          student,
		Counterparty:    &teacher,
		ReferenceID:     "42",
		DiscountPercent: 10,
		Amount:          protocol.MustTEO(amount),
	}
}

func stakeIntent(teacher common.Address, op protocol.OperationType, amount string) signer.Intent {
	return signer.Intent{Operation: op, Signer: teacher, Amount: protocol.MustTEO(amount)}
}

func TestDiscountEndToEnd(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	studentWallet, studentSigner := h.user(t)
	teacher := common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	require.NoError(t, relay.SeedAccount(h.db, studentWallet.Address(), big.NewInt(0), protocol.MustTEO("50")))

	before, err := h.client.Cache().Allowance(ctx, studentWallet.Address())
	require.NoError(t, err)
	assert.Equal(t, "50 TEO", protocol.FormatTEO(before.Available))

	out := h.operator(studentSigner).Run(ctx, discountIntent(studentWallet.Address(), teacher, "10"))
	require.NoError(t, out.Err)
	assert.Equal(t, Success, out.State)
	assert.Equal(t, "0 MATIC", out.UserGasCost)
	assert.Equal(t, "0 MATIC", out.Receipt.UserGasCost)
	assert.Equal(t, "0.00195 MATIC", out.Receipt.GasCostBorneByPlatform)
	assert.NotEmpty(t, out.Receipt.RequestID)
	assert.Equal(t, 1, studentWallet.Prompts())
	assert.Equal(t, []State{Idle, AwaitingSignature, Submitting, Success}, out.Operation.History())
	assert.Contains(t, out.Message(), "0 MATIC")

	// the cache was refreshed after the submit
	cached, ok := h.client.Cache().CachedAllowance(studentWallet.Address())
	require.True(t, ok)
	assert.Equal(t, "40 TEO", protocol.FormatTEO(cached.Available))
	assert.Equal(t, new(big.Int).Sub(before.Available, protocol.MustTEO("10")).String(), cached.Available.String())
}

func TestStakeEndToEnd(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	teacherWallet, teacherSigner := h.user(t)
	teacher := teacherWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, teacher, protocol.MustTEO("200"), big.NewInt(0)))

	before, err := h.client.Cache().Tier(ctx, teacher)
	require.NoError(t, err)
	assert.Equal(t, protocol.Bronze, before.Tier)
	assert.Equal(t, "25%", protocol.FormatRate(before.CommissionRate))

	out := h.operator(teacherSigner).Run(ctx, stakeIntent(teacher, protocol.TeacherStake, "150"))
	require.NoError(t, out.Err)
	require.NotNil(t, out.Receipt.NewTier)
	assert.Equal(t, protocol.Silver, *out.Receipt.NewTier)
	assert.Equal(t, "0 MATIC", out.Receipt.UserGasCost)

	after, ok := h.client.Cache().CachedTier(teacher)
	require.True(t, ok)
	assert.Equal(t, protocol.Silver, after.Tier)
	assert.Equal(t, "22%", protocol.FormatRate(after.CommissionRate))
	assert.Equal(t, "150 TEO", protocol.FormatTEO(after.Staked))
}

func TestThirdStakeBlockedBeforePrompt(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	teacherWallet, teacherSigner := h.user(t)
	teacher := teacherWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, teacher, protocol.MustTEO("1000"), big.NewInt(0)))
	op := h.operator(teacherSigner)

	require.NoError(t, op.Run(ctx, stakeIntent(teacher, protocol.TeacherStake, "50")).Err)
	h.clock.Advance(3 * 24 * time.Hour)
	require.NoError(t, op.Run(ctx, stakeIntent(teacher, protocol.TeacherStake, "50")).Err)
	h.clock.Advance(3 * 24 * time.Hour)

	out := op.Run(ctx, stakeIntent(teacher, protocol.TeacherStake, "50"))
	require.ErrorIs(t, out.Err, protocol.ErrRateLimited)
	assert.Equal(t, Idle, out.State)
	assert.Equal(t, 2, teacherWallet.Prompts(), "no prompt for a blocked stake")
	assert.Equal(t, "0 MATIC", out.UserGasCost)
	assert.Contains(t, out.Message(), "Try again in")

	var pre *protocol.RejectedError
	require.True(t, errors.As(out.Err, &pre))

	// with pre-flight bypassed the relay rejects it the same way
	bypass := New(Config{BaseURL: h.srv.URL, SkipPreflight: true}, zerolog.Nop()).WithClock(h.clock.Now)
	req, err := teacherSigner.BuildAndSign(ctx, stakeIntent(teacher, protocol.TeacherStake, "50"))
	require.NoError(t, err)
	_, err = bypass.Submit(ctx, req)
	require.ErrorIs(t, err, protocol.ErrRateLimited)

	var rej *protocol.RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, pre.Reason, rej.Reason)
	assert.Equal(t, pre.RetryAfter, rej.RetryAfter)
	assert.Len(t, h.exec.Calls(), 2)
}

func TestPreflightInsufficientAllowanceNoPrompt(t *testing.T) {
	h := newHarness(t, Config{})
	studentWallet, studentSigner := h.user(t)
	require.NoError(t, relay.SeedAccount(h.db, studentWallet.Address(), protocol.MustTEO("2"), protocol.MustTEO("5")))

	out := h.operator(studentSigner).Run(context.Background(), discountIntent(studentWallet.Address(), testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrInsufficientAllowance)
	assert.Equal(t, Idle, out.State)
	assert.Zero(t, studentWallet.Prompts())
	assert.False(t, protocol.Retryable(out.Err))
}

func TestReplayNonce1000(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	studentWallet, _ := h.user(t)
	student := studentWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, student, big.NewInt(0), protocol.MustTEO("50")))

	teacher := testAddr
	req := &protocol.SignedOperationRequest{
		Operation:       protocol.DiscountRedemption,
		Signer:          student,
		Counterparty:    &teacher,
		ReferenceID:     "42",
		DiscountPercent: 10,
		Amount:          protocol.MustTEO("10"),
		Nonce:           1000,
		Deadline:        h.clock.Now().Add(10 * time.Minute),
	}
	msg, err := req.Message()
	require.NoError(t, err)
	req.Signature, err = studentWallet.PersonalSign(ctx, msg, student)
	require.NoError(t, err)

	_, err = h.client.Submit(ctx, req)
	require.NoError(t, err)

	_, err = h.client.Submit(ctx, req)
	require.ErrorIs(t, err, protocol.ErrNonceReplay)
	assert.Equal(t, protocol.ReasonNonceReplay, protocol.ReasonOf(err))

	snap, err := h.client.Cache().Allowance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "40 TEO", protocol.FormatTEO(snap.Available))
}

func TestExpiredRequestRejected(t *testing.T) {
	h := newHarness(t, Config{SkipPreflight: true})
	ctx := context.Background()
	studentWallet, studentSigner := h.user(t)
	require.NoError(t, relay.SeedAccount(h.db, studentWallet.Address(), big.NewInt(0), protocol.MustTEO("50")))

	req, err := studentSigner.BuildAndSign(ctx, discountIntent(studentWallet.Address(), testAddr, "10"))
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)

	_, err = h.client.Submit(ctx, req)
	require.ErrorIs(t, err, protocol.ErrExpired)
	assert.True(t, protocol.Retryable(err))
}

func TestUnreachableAndResubmit(t *testing.T) {
	h := newHarness(t, Config{SkipPreflight: true})
	ctx := context.Background()
	studentWallet, studentSigner := h.user(t)
	require.NoError(t, relay.SeedAccount(h.db, studentWallet.Address(), big.NewInt(0), protocol.MustTEO("50")))
	op := h.operator(studentSigner)

	h.down.Store(true)
	out := op.Run(ctx, discountIntent(studentWallet.Address(), testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrRelayUnreachable)
	assert.Equal(t, Unreachable, out.State)
	require.NotNil(t, out.Request)
	assert.Contains(t, out.Message(), "resubmitted")

	h.down.Store(false)
	again := op.Resubmit(ctx, out)
	require.NoError(t, again.Err)
	assert.Equal(t, Success, again.State)
	assert.Equal(t, out.Request.Nonce, again.Request.Nonce)
	assert.Equal(t, 1, studentWallet.Prompts())
}

func TestRetryAfterRejectionUsesFreshNonce(t *testing.T) {
	h := newHarness(t, Config{SkipPreflight: true})
	ctx := context.Background()
	studentWallet, studentSigner := h.user(t)
	student := studentWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, student, big.NewInt(0), protocol.MustTEO("5")))
	op := h.operator(studentSigner)

	out := op.Run(ctx, discountIntent(student, testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrInsufficientAllowance)
	assert.Equal(t, Rejected, out.State)

	require.NoError(t, relay.SeedAccount(h.db, student, big.NewInt(0), protocol.MustTEO("50")))
	retry := op.Retry(ctx, out, discountIntent(student, testAddr, "10"))
	require.NoError(t, retry.Err)
	assert.Equal(t, Success, retry.State)
	assert.Greater(t, retry.Request.Nonce, out.Request.Nonce)
	assert.Equal(t, 2, studentWallet.Prompts())
}

func TestUserCancelReturnsToIdle(t *testing.T) {
	h := newHarness(t, Config{})
	studentWallet, studentSigner := h.user(t)
	require.NoError(t, relay.SeedAccount(h.db, studentWallet.Address(), big.NewInt(0), protocol.MustTEO("50")))
	studentWallet.OnPrompt(func([]byte) bool { return false })

	out := h.operator(studentSigner).Run(context.Background(), discountIntent(studentWallet.Address(), testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrUserCancelled)
	assert.Equal(t, Idle, out.State)
	assert.Empty(t, h.exec.Calls())
	assert.Contains(t, out.Message(), "No gas was spent (0 MATIC)")
}

func TestUnsignableRequestNeverPrompts(t *testing.T) {
	h := newHarness(t, Config{SkipPreflight: true})
	w, err := wallet.GenerateKeyWallet(wallet.PolygonAmoy)
	require.NoError(t, err)
	mainnet := signer.New(w, signer.Config{ChainID: wallet.PolygonMainnet}, zerolog.Nop()).WithClock(h.clock.Now)

	out := h.operator(mainnet).Run(context.Background(), discountIntent(w.Address(), testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrChainMismatch)
	assert.Equal(t, Idle, out.State)
	assert.Equal(t, []State{Idle}, out.Operation.History())
	assert.Zero(t, w.Prompts())

	_, studentSigner := h.user(t)
	out = h.operator(studentSigner).Run(context.Background(), discountIntent(testAddr, testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrSignerMismatch)
	assert.Equal(t, []State{Idle}, out.Operation.History())
}

func TestPreflightFailsWhenRelayDown(t *testing.T) {
	h := newHarness(t, Config{})
	studentWallet, studentSigner := h.user(t)
	h.down.Store(true)

	out := h.operator(studentSigner).Run(context.Background(), discountIntent(studentWallet.Address(), testAddr, "10"))
	require.ErrorIs(t, out.Err, protocol.ErrRelayUnreachable)
	assert.Zero(t, studentWallet.Prompts())
}

func TestSubmissionsQueuedPerSignerAndOperation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	studentWallet, studentSigner := h.user(t)
	student := studentWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, student, big.NewInt(0), protocol.MustTEO("50")))

	h.slow.Store(true)

	reqs := make([]*protocol.SignedOperationRequest, 3)
	for i := range reqs {
		req, err := studentSigner.BuildAndSign(ctx, discountIntent(student, testAddr, "10"))
		require.NoError(t, err)
		reqs[i] = req
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *protocol.SignedOperationRequest) {
			defer wg.Done()
			_, errs[i] = h.client.Submit(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), h.maxInFlight.Load())

	snap, err := h.client.Cache().Allowance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "20 TEO", protocol.FormatTEO(snap.Available))
}

func TestQueueWaitHonorsContext(t *testing.T) {
	q := newSubmitQueue()
	release, err := q.acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := q.acquire(context.Background(), "other")
	require.NoError(t, err)
	other()

	release()
	again, err := q.acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, q.size())
}

func TestQueueForgetsIdleKeys(t *testing.T) {
	q := newSubmitQueue()
	release, err := q.acquire(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		next, err := q.acquire(context.Background(), "a")
		if err == nil {
			acquired <- next
		}
	}()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.slots["a"].refs == 2
	}, time.Second, time.Millisecond)

	// a waiter keeps the key alive past the first release
	release()
	next := <-acquired
	assert.Equal(t, 1, q.size())
	next()
	next()
	assert.Equal(t, 0, q.size())

	for i := 0; i < 100; i++ {
		r, err := q.acquire(context.Background(), fmt.Sprintf("signer-%d", i))
		require.NoError(t, err)
		r()
	}
	assert.Equal(t, 0, q.size())
}

func TestApproveAndDecline(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	studentWallet, studentSigner := h.user(t)
	teacherWallet, _ := h.user(t)
	student, teacher := studentWallet.Address(), teacherWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, student, big.NewInt(0), protocol.MustTEO("50")))
	op := h.operator(studentSigner)

	first := op.Run(ctx, discountIntent(student, teacher, "10"))
	require.NoError(t, first.Err)
	second := op.Run(ctx, discountIntent(student, teacher, "5"))
	require.NoError(t, second.Err)

	receipt, err := h.client.ApproveDiscount(ctx, first.Receipt.RequestID, teacher)
	require.NoError(t, err)
	assert.Equal(t, "0 MATIC", receipt.UserGasCost)

	teacherSnap, err := h.client.Cache().Allowance(ctx, teacher)
	require.NoError(t, err)
	assert.Equal(t, "10 TEO", protocol.FormatTEO(teacherSnap.WalletBalance))

	_, err = h.client.DeclineDiscount(ctx, second.Receipt.RequestID, teacher, "not eligible")
	require.NoError(t, err)
	studentSnap, err := h.client.Cache().Allowance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "40 TEO", protocol.FormatTEO(studentSnap.Available))

	_, err = h.client.ApproveDiscount(ctx, first.Receipt.RequestID, teacher)
	require.ErrorIs(t, err, protocol.ErrInvalidRequest)

	_, err = h.client.DeclineDiscount(ctx, "missing", teacher, "")
	var rej *protocol.RejectedError
	require.True(t, errors.As(err, &rej))
}

func TestHistory(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	teacherWallet, teacherSigner := h.user(t)
	teacher := teacherWallet.Address()
	require.NoError(t, relay.SeedAccount(h.db, teacher, protocol.MustTEO("200"), big.NewInt(0)))

	out := h.operator(teacherSigner).Run(ctx, stakeIntent(teacher, protocol.TeacherStake, "150"))
	require.NoError(t, out.Err)

	transfers, err := h.client.History(ctx, teacher, 5)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "stake", transfers[0].Action)
	assert.Equal(t, out.Receipt.TransactionHash, transfers[0].TxHash)
	assert.Equal(t, teacher, transfers[0].From)
	assert.Equal(t, "150 TEO", protocol.FormatTEO(transfers[0].Amount))
	assert.Equal(t, "0 MATIC", transfers[0].UserGasCost)
	assert.Equal(t, h.clock.Now().Unix(), transfers[0].At.Unix())

	h.down.Store(true)
	_, err = h.client.History(ctx, teacher, 0)
	assert.ErrorIs(t, err, protocol.ErrRelayUnreachable)
}
