package relayclient

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teorelay/protocol"
)

type fakeBackend struct {
	mu        sync.Mutex
	available *big.Int
	staked    *big.Int
	err       error
	gate      chan struct{}
	calls     atomic.Int32
	now       func() time.Time
}

func (f *fakeBackend) FetchAllowance(ctx context.Context, addr common.Address) (*protocol.AllowanceSnapshot, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.AllowanceSnapshot{
		Signer:            addr,
		Available:         f.available,
		PlatformAllowance: f.available,
		WalletBalance:     new(big.Int),
		Used:              new(big.Int),
		Total:             f.available,
		Source:            protocol.SourcePlatform,
		FetchedAt:         f.now(),
	}, nil
}

func (f *fakeBackend) FetchTier(ctx context.Context, addr common.Address) (*protocol.TierState, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tier := protocol.TierFor(f.staked)
	return &protocol.TierState{Signer: addr, Staked: f.staked, Tier: tier, CommissionRate: tier.CommissionRate(), FetchedAt: f.now()}, nil
}

func (f *fakeBackend) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(demo bool) (*Cache, *fakeBackend, *testClock) {
	clock := newTestClock()
	b := &fakeBackend{available: protocol.MustTEO("50"), staked: protocol.MustTEO("150"), now: clock.Now}
	c := NewCache(b, CacheConfig{DemoMode: demo}, zerolog.Nop()).WithClock(clock.Now)
	return c, b, clock
}

func TestCacheStaleFallback(t *testing.T) {
	cache, backend, clock := newTestCache(false)
	ctx := context.Background()

	snap, err := cache.Allowance(ctx, testAddr)
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, "50 TEO", protocol.FormatTEO(snap.Available))

	backend.fail(errors.New("connection refused"))
	clock.Advance(5 * time.Minute)

	snap, err = cache.Allowance(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, "50 TEO", protocol.FormatTEO(snap.Available))
	assert.Equal(t, 5*time.Minute, snap.Age(clock.Now()))

	cached, ok := cache.CachedAllowance(testAddr)
	require.True(t, ok)
	assert.False(t, cached.Stale, "stale flag must not leak into the shared entry")

	_, err = cache.Allowance(ctx, common.HexToAddress("0x01"))
	require.Error(t, err)
}

func TestCacheTierStaleFallback(t *testing.T) {
	cache, backend, _ := newTestCache(false)
	ctx := context.Background()

	state, err := cache.Tier(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, protocol.Silver, state.Tier)

	backend.fail(errors.New("503"))
	state, err = cache.Tier(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, state.Stale)
	assert.Equal(t, protocol.Silver, state.Tier)
}

func TestCacheDemoMode(t *testing.T) {
	cache, backend, _ := newTestCache(true)
	backend.fail(errors.New("no relay"))

	snap, err := cache.Allowance(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceDemo, snap.Source)
	assert.Equal(t, "100 TEO", protocol.FormatTEO(snap.Available))

	state, err := cache.Tier(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, protocol.Bronze, state.Tier)

	_, ok := cache.CachedAllowance(testAddr)
	assert.False(t, ok, "demo data is never cached")
}

func TestCacheFresh(t *testing.T) {
	cache, backend, clock := newTestCache(false)
	ctx := context.Background()

	require.NoError(t, cache.Fresh(ctx, testAddr, DefaultMaxAge))
	assert.Equal(t, int32(2), backend.calls.Load())

	clock.Advance(30 * time.Second)
	_, err := cache.FreshAllowance(ctx, testAddr, DefaultMaxAge)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load(), "young entry served from cache")

	clock.Advance(31 * time.Second)
	backend.fail(errors.New("timeout"))
	_, err = cache.FreshAllowance(ctx, testAddr, DefaultMaxAge)
	require.ErrorIs(t, err, protocol.ErrRelayUnreachable)
	_, err = cache.FreshTier(ctx, testAddr, DefaultMaxAge)
	require.ErrorIs(t, err, protocol.ErrRelayUnreachable)
}

func TestCacheInvalidate(t *testing.T) {
	cache, _, _ := newTestCache(false)
	require.NoError(t, cache.Refresh(context.Background(), testAddr))

	_, ok := cache.CachedTier(testAddr)
	require.True(t, ok)
	cache.Invalidate(testAddr)
	_, ok = cache.CachedTier(testAddr)
	assert.False(t, ok)
	_, ok = cache.CachedAllowance(testAddr)
	assert.False(t, ok)
}

func TestCacheCollapsesConcurrentFetches(t *testing.T) {
	cache, backend, _ := newTestCache(false)
	backend.gate = make(chan struct{})

	var started, done sync.WaitGroup
	results := make([]*protocol.AllowanceSnapshot, 5)
	for i := range results {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			snap, err := cache.Allowance(context.Background(), testAddr)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(backend.gate)
	done.Wait()

	assert.Equal(t, int32(1), backend.calls.Load())
	for _, snap := range results {
		require.NotNil(t, snap)
		assert.Equal(t, "50 TEO", protocol.FormatTEO(snap.Available))
	}
}

func TestCacheCallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	cache, backend, _ := newTestCache(false)
	backend.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := cache.FreshAllowance(ctx, testAddr, DefaultMaxAge)
		errc <- err
	}()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(backend.gate)
	require.Eventually(t, func() bool {
		_, ok := cache.CachedAllowance(testAddr)
		return ok
	}, time.Second, time.Millisecond)
}

func TestCachePoll(t *testing.T) {
	cache, backend, _ := newTestCache(false)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		cache.Poll(ctx, 5*time.Millisecond, testAddr)
		close(finished)
	}()

	require.Eventually(t, func() bool { return backend.calls.Load() >= 6 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("poll did not stop")
	}
	_, ok := cache.CachedTier(testAddr)
	assert.True(t, ok)
}
