package signer

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// nonceRetention bounds how long a signer's last nonce is remembered. Past
// it the clock alone already yields a larger value.
const nonceRetention = time.Hour

// NonceSource hands out per-signer nonces from the millisecond clock, bumped
// so that two calls in the same millisecond still get distinct values.
type NonceSource struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[common.Address]uint64
}

func NewNonceSource(now func() time.Time) *NonceSource {
	if now == nil {
		now = time.Now
	}
	return &NonceSource{now: now, last: make(map[common.Address]uint64)}
}

// Next returns a nonce strictly greater than any previously issued for signer.
func (n *NonceSource) Next(signer common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	clock := uint64(n.now().UnixMilli())
	n.prune(clock)

	nonce := clock
	if last := n.last[signer]; nonce <= last {
		nonce = last + 1
	}
	n.last[signer] = nonce
	return nonce
}

func (n *NonceSource) prune(clock uint64) {
	cutoff := uint64(nonceRetention.Milliseconds())
	if clock < cutoff {
		return
	}
	for signer, last := range n.last {
		if last < clock-cutoff {
			delete(n.last, signer)
		}
	}
}
