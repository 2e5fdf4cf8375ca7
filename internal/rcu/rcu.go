// Package rcu implements the per-proclet epoch-based reader/writer gate
// that the migrator uses to quiesce a proclet before transfer.
package rcu

import (
	stdruntime "runtime"
	"sync"
	"sync/atomic"
	"time"
)

// cacheLinePad keeps each per-shard counter on its own cache line, mirroring
// the original's alignas(kCacheLineBytes) AlignedCnt.
const cacheLinePad = 64

// shardCnt counts the readers currently inside a critical section on one
// shard (typically one per scheduler core): ReaderLock adds one and
// ReaderUnlock subtracts one, so zero means "no active reader". Several
// readers may share a shard, so the count can exceed one.
type shardCnt struct {
	v    atomic.Uint64
	_pad [cacheLinePad - 8]byte
}

// Lock is a per-proclet RCU reader/writer gate. Readers are wait-free on the
// fast path; a writer's WriterSync blocks until every reader that was in a
// critical section when the sync began has exited at least once.
type Lock struct {
	shards []shardCnt

	mu sync.Mutex // serializes concurrent WriterSync calls
}

// New creates a Lock sharded across numShards reader slots (one per
// scheduler core is typical).
func New(numShards int) *Lock {
	if numShards < 1 {
		numShards = 1
	}
	return &Lock{shards: make([]shardCnt, numShards)}
}

// NumShards reports how many reader shards this Lock was created with.
func (l *Lock) NumShards() int { return len(l.shards) }

// ReaderLock enters a read critical section on the given shard (typically
// the calling thread's core id).
func (l *Lock) ReaderLock(shard int) {
	l.shards[shard%len(l.shards)].v.Add(1)
}

// ReaderUnlock leaves the read critical section entered by ReaderLock.
func (l *Lock) ReaderUnlock(shard int) {
	l.shards[shard%len(l.shards)].v.Add(^uint64(0))
}

// WriterSync blocks until every reader that held the lock at the moment
// WriterSync began has released it at least once: it waits until every
// shard that had active readers at the start has drained to zero, so
// readers entering such a shard after the start also delay it. The fast path is a
// bounded cooperative-yield loop; if readers are still present after the
// bound it falls back to sleeping on a short timer. prioritizeReaders is a
// hint used by migration: when set, WriterSync yields more aggressively so
// spinning readers get scheduled and can release sooner.
func (l *Lock) WriterSync(prioritizeReaders bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snaps := make([]uint64, len(l.shards))
	pending := make([]bool, len(l.shards))
	for i := range l.shards {
		snaps[i] = l.shards[i].v.Load()
		pending[i] = snaps[i] > 0
	}

	const fastPathIters = 10000
	for iter := 0; ; iter++ {
		quiescent := true
		for i := range l.shards {
			if !pending[i] {
				continue
			}
			if l.shards[i].v.Load() == 0 {
				pending[i] = false
				continue
			}
			quiescent = false
		}
		if quiescent {
			return
		}
		if iter < fastPathIters {
			if prioritizeReaders {
				stdruntime.Gosched()
			}
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}
