// Package syncutil contains small concurrency helpers shared across
// domain packages.
package syncutil

import (
	"context"
	"hash/fnv"
)

const lockShards = 128

// ContextShardedMutex is a fixed pool of context-aware mutexes keyed by
// string. Escrow serializes lifecycle transitions per escrow ID with one.
// Two keys may hash to the same shard; that costs contention, never
// correctness.
type ContextShardedMutex struct {
	slots []chan struct{}
}

// NewContextShardedMutex creates the shard pool.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{slots: make([]chan struct{}, lockShards)}
	for i := range m.slots {
		m.slots[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext acquires the lock for key or gives up when ctx is done.
// On success it returns the unlock function, which the caller must invoke
// exactly once. On cancellation it returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	slot := m.slots[shardFor(key)]
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64() % lockShards
}
