package relayclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"teorelay/protocol"
)

// DefaultMaxAge is how old cached data may be before a pre-flight check
// forces a refresh.
const DefaultMaxAge = 60 * time.Second

// demoAllowance is served in demo mode when the relay has never answered.
var demoAllowance = protocol.MustTEO("100")

// Backend reads balances and staking state from the relay.
type Backend interface {
	FetchAllowance(ctx context.Context, addr common.Address) (*protocol.AllowanceSnapshot, error)
	FetchTier(ctx context.Context, addr common.Address) (*protocol.TierState, error)
}

type CacheConfig struct {
	DemoMode bool
	MaxAge   time.Duration
}

// Cache is the process-wide read-through cache of allowance and tier data.
type Cache struct {
	backend Backend
	cfg     CacheConfig
	log     zerolog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu         sync.RWMutex
	allowances map[common.Address]*protocol.AllowanceSnapshot
	tiers      map[common.Address]*protocol.TierState
}

func NewCache(b Backend, cfg CacheConfig, log zerolog.Logger) *Cache {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Cache{
		backend:    b,
		cfg:        cfg,
		log:        log.With().Str("component", "cache").Logger(),
		now:        time.Now,
		allowances: make(map[common.Address]*protocol.AllowanceSnapshot),
		tiers:      make(map[common.Address]*protocol.TierState),
	}
}

// WithClock replaces the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// MaxAge is the freshness bound used by pre-flight checks.
func (c *Cache) MaxAge() time.Duration { return c.cfg.MaxAge }

// Allowance fetches the allowance of addr. When the relay cannot be reached the
// last known snapshot is returned marked Stale.
func (c *Cache) Allowance(ctx context.Context, addr common.Address) (*protocol.AllowanceSnapshot, error) {
	snap, err := c.refreshAllowance(ctx, addr)
	if err == nil {
		return snap, nil
	}
	if cached, ok := c.CachedAllowance(addr); ok {
		c.log.Warn().Err(err).Str("address", addr.Hex()).Dur("age", cached.Age(c.now())).Msg("serving stale allowance")
		cached.Stale = true
		return cached, nil
	}
	if c.cfg.DemoMode {
		c.log.Warn().Err(err).Str("address", addr.Hex()).Msg("demo mode: serving placeholder allowance")
		return demoSnapshot(addr, c.now()), nil
	}
	return nil, err
}

// Tier fetches the staking state of addr with the same stale fallback as
// Allowance.
func (c *Cache) Tier(ctx context.Context, addr common.Address) (*protocol.TierState, error) {
	state, err := c.refreshTier(ctx, addr)
	if err == nil {
		return state, nil
	}
	if cached, ok := c.CachedTier(addr); ok {
		c.log.Warn().Err(err).Str("address", addr.Hex()).Dur("age", cached.Age(c.now())).Msg("serving stale tier")
		cached.Stale = true
		return cached, nil
	}
	if c.cfg.DemoMode {
		c.log.Warn().Err(err).Str("address", addr.Hex()).Msg("demo mode: serving placeholder tier")
		return &protocol.TierState{
			Signer:         addr,
			Staked:         new(big.Int),
			Tier:           protocol.Bronze,
			CommissionRate: protocol.Bronze.CommissionRate(),
			FetchedAt:      c.now(),
			Stale:          true,
		}, nil
	}
	return nil, err
}

// FreshAllowance returns the cached allowance when younger than maxAge and
// refreshes it otherwise. A failed refresh is an error, never stale data.
func (c *Cache) FreshAllowance(ctx context.Context, addr common.Address, maxAge time.Duration) (*protocol.AllowanceSnapshot, error) {
	if cached, ok := c.CachedAllowance(addr); ok && cached.Age(c.now()) < maxAge {
		return cached, nil
	}
	snap, err := c.refreshAllowance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: allowance refresh failed: %w", protocol.ErrRelayUnreachable, err)
	}
	return snap, nil
}

// FreshTier is FreshAllowance for staking state.
func (c *Cache) FreshTier(ctx context.Context, addr common.Address, maxAge time.Duration) (*protocol.TierState, error) {
	if cached, ok := c.CachedTier(addr); ok && cached.Age(c.now()) < maxAge {
		return cached, nil
	}
	state, err := c.refreshTier(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: tier refresh failed: %w", protocol.ErrRelayUnreachable, err)
	}
	return state, nil
}

// Fresh makes sure both entries of addr are younger than maxAge.
func (c *Cache) Fresh(ctx context.Context, addr common.Address, maxAge time.Duration) error {
	if _, err := c.FreshAllowance(ctx, addr, maxAge); err != nil {
		return err
	}
	_, err := c.FreshTier(ctx, addr, maxAge)
	return err
}

// CachedAllowance returns a copy of the cached allowance without fetching.
func (c *Cache) CachedAllowance(addr common.Address) (*protocol.AllowanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.allowances[addr]
	if !ok {
		return nil, false
	}
	cp := *snap
	return &cp, true
}

// CachedTier returns a copy of the cached tier state without fetching.
func (c *Cache) CachedTier(addr common.Address) (*protocol.TierState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.tiers[addr]
	if !ok {
		return nil, false
	}
	cp := *state
	return &cp, true
}

// Invalidate drops everything cached for addr.
func (c *Cache) Invalidate(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.allowances, addr)
	delete(c.tiers, addr)
}

// Refresh fetches both entries of addr.
func (c *Cache) Refresh(ctx context.Context, addr common.Address) error {
	_, errA := c.refreshAllowance(ctx, addr)
	_, errT := c.refreshTier(ctx, addr)
	return errors.Join(errA, errT)
}

// Poll refreshes addrs every interval until ctx ends.
func (c *Cache) Poll(ctx context.Context, interval time.Duration, addrs ...common.Address) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, addr := range addrs {
			if err := c.Refresh(ctx, addr); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Str("address", addr.Hex()).Msg("poll refresh failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Cache) refreshAllowance(ctx context.Context, addr common.Address) (*protocol.AllowanceSnapshot, error) {
	v, err := c.do(ctx, "allowance:"+addr.Hex(), func(ctx context.Context) (any, error) {
		snap, err := c.backend.FetchAllowance(ctx, addr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.allowances[addr] = snap
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*protocol.AllowanceSnapshot)
	return &cp, nil
}

func (c *Cache) refreshTier(ctx context.Context, addr common.Address) (*protocol.TierState, error) {
	v, err := c.do(ctx, "tier:"+addr.Hex(), func(ctx context.Context) (any, error) {
		state, err := c.backend.FetchTier(ctx, addr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tiers[addr] = state
		c.mu.Unlock()
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*protocol.TierState)
	return &cp, nil
}

// do collapses concurrent fetches of key into one backend call. The shared
// call is not tied to any single caller's cancellation; each caller stops
// waiting when its own ctx ends.
func (c *Cache) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func demoSnapshot(addr common.Address, now time.Time) *protocol.AllowanceSnapshot {
	return &protocol.AllowanceSnapshot{
		Signer:            addr,
		Available:         new(big.Int).Set(demoAllowance),
		Used:              new(big.Int),
		Total:             new(big.Int).Set(demoAllowance),
		WalletBalance:     new(big.Int),
		PlatformAllowance: new(big.Int).Set(demoAllowance),
		Source:            protocol.SourceDemo,
		FetchedAt:         now,
		Stale:             true,
	}
}
