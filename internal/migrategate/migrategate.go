// Package migrategate lets a blocking wait release a proclet's
// migration-disabled region before parking and reacquire it after waking,
// so a thread blocked in a Mutex, a CondVar, or a logical-clock sleep
// doesn't pin the proclet against migration for the duration of the wait.
package migrategate

import "context"

// Gate is the pair of Header operations a wait brackets its parking with.
// *proclet.Header implements it.
type Gate interface {
	LeaveThread(threadID uint64, shard int)
	EnterThread(threadID uint64, shard int)
}

type contextKey struct{}

type entry struct {
	gate     Gate
	threadID uint64
	shard    int
}

// WithGate attaches the calling thread's gate, thread id, and shard to ctx.
// internal/procletserver.Dispatch calls this once per invocation, before
// running the application method, so any procsync/rtime wait the method
// makes can find its way back to the right Header.
func WithGate(ctx context.Context, gate Gate, threadID uint64, shard int) context.Context {
	return context.WithValue(ctx, contextKey{}, entry{gate: gate, threadID: threadID, shard: shard})
}

// Release leaves the gate ctx carries, if any, and returns a func that
// re-enters it. Callers release immediately before parking and invoke the
// returned func immediately after waking, so the migration-disabled region
// only spans actual runnable work, never a wait.
func Release(ctx context.Context) (reacquire func()) {
	e, ok := ctx.Value(contextKey{}).(entry)
	if !ok {
		return func() {}
	}
	e.gate.LeaveThread(e.threadID, e.shard)
	return func() { e.gate.EnterThread(e.threadID, e.shard) }
}
