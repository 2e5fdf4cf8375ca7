// Package future implements the Promise/Future pair underlying every RPC
// call: a parked user thread (here, a parked goroutine) whose reply wakes
// it, safe to park on before the producer completes and safe to complete
// before any reader observes.
package future

import "context"

// Promise is the write side of a single-shot Future[T]. Complete must be
// called exactly once.
type Promise[T any] struct {
	ch chan T
}

// Future is the read side: Get blocks until Complete is called (or ctx is
// done).
type Future[T any] struct {
	ch chan T
}

// New creates a linked Promise/Future pair.
func New[T any]() (*Promise[T], *Future[T]) {
	ch := make(chan T, 1)
	return &Promise[T]{ch: ch}, &Future[T]{ch: ch}
}

// Complete delivers v to the paired Future. Safe to call before or after
// any Get call; delivery is single-shot and buffered so Complete never
// blocks on a reader.
func (p *Promise[T]) Complete(v T) {
	p.ch <- v
}

// Get blocks until the paired Promise completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case v := <-f.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
