// Package rtime implements per-proclet logical time:
// logical_us = physical_us + offset, with the offset adjusted across a
// migration so Microtime never jumps backwards, and a per-proclet timer
// list that is re-armed at the destination against the same logical
// deadline.
package rtime

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/proclet-systems/procletd/internal/migrategate"
)

// Clock is the per-proclet logical clock plus its timer list.
type Clock struct {
	mu     sync.Mutex
	offset int64 // microseconds, added to physical time
	timers timerHeap
	nextID uint64
}

// New creates a Clock with zero offset.
func New() *Clock {
	c := &Clock{}
	heap.Init(&c.timers)
	return c
}

func physicalMicros() int64 {
	return time.Now().UnixMicro()
}

// Microtime returns the proclet-local logical time in microseconds.
func (c *Clock) Microtime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return physicalMicros() + c.offset
}

// Sleep blocks the calling goroutine for d. It is a suspension point: the
// calling thread's migration-disabled region (internal/migrategate) is
// released for the duration, so the caller may be migrated while parked
// here.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) {
	reacquire := migrategate.Release(ctx)
	defer reacquire()
	time.Sleep(d)
}

// Delay blocks until the proclet's logical clock reaches deadlineUs,
// releasing the calling thread's migration-disabled region for the
// duration, same as Sleep.
func (c *Clock) Delay(ctx context.Context, deadlineUs int64) {
	reacquire := migrategate.Release(ctx)
	defer reacquire()
	for {
		now := c.Microtime()
		if now >= deadlineUs {
			return
		}
		remaining := time.Duration(deadlineUs-now) * time.Microsecond
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}
		time.Sleep(remaining)
	}
}

// AdjustForMigration updates the offset by
// (dest_physical_now - source_physical_at_send) so that Microtime inside a
// proclet never jumps backwards across a migration. sourcePhysicalAtSend is
// the source's physical clock reading taken at the moment the migration
// header was sent; it is transferred to the destination alongside the
// timer list.
func (c *Clock) AdjustForMigration(sourcePhysicalAtSend int64) {
	destNow := physicalMicros()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += destNow - sourcePhysicalAtSend
}

// Timer is a single entry in a proclet's timer list.
type Timer struct {
	ID         uint64
	DeadlineUs int64
	Fire       func()

	index int
}

// RegisterTimer arms a timer against the proclet's logical deadline.
func (c *Clock) RegisterTimer(deadlineUs int64, fire func()) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &Timer{ID: c.nextID, DeadlineUs: deadlineUs, Fire: fire}
	heap.Push(&c.timers, t)
	return t.ID
}

// CancelTimer removes a pending timer by ID; a no-op if it already fired.
func (c *Clock) CancelTimer(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.timers {
		if t.ID == id {
			heap.Remove(&c.timers, i)
			return
		}
	}
}

// PollExpired fires (and removes) every timer whose deadline has passed,
// per the proclet's current logical clock. No background loop calls it: a
// timer fires only when a caller invokes PollExpired.
func (c *Clock) PollExpired() {
	now := c.Microtime()
	var due []*Timer
	c.mu.Lock()
	for c.timers.Len() > 0 && c.timers[0].DeadlineUs <= now {
		due = append(due, heap.Pop(&c.timers).(*Timer))
	}
	c.mu.Unlock()
	for _, t := range due {
		t.Fire()
	}
}

// Snapshot returns each pending timer's absolute logical deadline (which is
// migration-invariant, unlike the physical clock). It does not capture the
// timers' Fire callbacks, so a destination can re-arm the deadlines but not
// the callbacks.
func (c *Clock) Snapshot() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadlines := make([]int64, len(c.timers))
	for i, t := range c.timers {
		deadlines[i] = t.DeadlineUs
	}
	return deadlines
}

// timerHeap is a min-heap on DeadlineUs.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].DeadlineUs < h[j].DeadlineUs }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
