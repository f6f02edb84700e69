package relayclient

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"teorelay/protocol"
)

// submitQueue serializes submissions per (signer, operation). Waiters are
// admitted in arrival order. A key is forgotten once its holder releases it
// and nobody waits on it.
type submitQueue struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int // holder plus waiters
}

func newSubmitQueue() *submitQueue {
	return &submitQueue{slots: make(map[string]*slot)}
}

func queueKey(signer common.Address, op protocol.OperationType) string {
	return signer.Hex() + "/" + op.String()
}

// acquire blocks until key is free or ctx ends.
func (q *submitQueue) acquire(ctx context.Context, key string) (func(), error) {
	q.mu.Lock()
	s, ok := q.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		q.slots[key] = s
	}
	s.refs++
	q.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		q.drop(key, s)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			q.drop(key, s)
		})
	}, nil
}

func (q *submitQueue) drop(key string, s *slot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s.refs--
	if s.refs == 0 && q.slots[key] == s {
		delete(q.slots, key)
	}
}

func (q *submitQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
