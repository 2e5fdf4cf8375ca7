// Package procsync implements migration-aware Mutex and CondVar
// primitives: whenever a mutex or condvar has parked waiters, it publishes
// itself into the owning proclet's blocked-syncer registry so the migrator
// can enumerate and rebind every wait-point when it reconstructs the
// proclet at the destination.
package procsync

import (
	"container/list"
	"context"
	"sync"

	"github.com/proclet-systems/procletd/internal/migrategate"
)

// SyncerKind distinguishes the two syncer types recorded in a proclet's
// blocked-syncer set: mutexes and condvars.
type SyncerKind int

const (
	KindMutex SyncerKind = iota
	KindCondVar
)

// Registry is the per-proclet blocked-syncer set: (address, kind) pairs for
// every Mutex/CondVar that currently has at least one parked waiter.
// Migration walks this set to reconstruct waiters at the destination.
type Registry interface {
	Register(addr uintptr, kind SyncerKind)
	Unregister(addr uintptr, kind SyncerKind)
}

type waiter struct {
	wake chan struct{}
}

// Mutex is a blocking mutex whose waiter list is visible to a Registry.
type Mutex struct {
	addr uintptr
	reg  Registry

	mu      sync.Mutex
	locked  bool
	waiters list.List // of *waiter
}

// NewMutex creates a Mutex identified by addr (its in-proclet virtual
// address, used as the registry key) and backed by reg.
func NewMutex(addr uintptr, reg Registry) *Mutex {
	return &Mutex{addr: addr, reg: reg}
}

// Lock acquires the mutex, parking the calling goroutine if contested. A
// parked waiter is published into the proclet's blocked-syncer set the
// moment the waiter list transitions empty -> non-empty, and the calling
// thread's migration-disabled region (see internal/migrategate) is released
// for the duration of the park so a migration request doesn't have to wait
// on it.
func (m *Mutex) Lock(ctx context.Context) {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	w := &waiter{wake: make(chan struct{})}
	transitioned := m.waiters.Len() == 0
	el := m.waiters.PushBack(w)
	if transitioned && m.reg != nil {
		m.reg.Register(m.addr, KindMutex)
	}
	m.mu.Unlock()

	reacquire := migrategate.Release(ctx)
	<-w.wake
	reacquire()
	_ = el
}

// Unlock releases the mutex, waking one waiter if present. If that wake
// transitions the waiter list non-empty -> empty, the mutex deregisters
// from the blocked-syncer set.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		m.mu.Unlock()
		return
	}
	m.waiters.Remove(front)
	emptied := m.waiters.Len() == 0
	m.mu.Unlock()

	if emptied && m.reg != nil {
		m.reg.Unregister(m.addr, KindMutex)
	}
	front.Value.(*waiter).wake <- struct{}{}
}

// CondVar is a condition variable paired with a Mutex. Wait releases the
// mutex atomically with parking and re-acquires it on wake, matching
// sync.Cond semantics but additionally registering with the blocked-syncer
// set while waiters are parked.
type CondVar struct {
	addr uintptr
	reg  Registry

	mu      sync.Mutex
	waiters list.List // of *waiter
}

// NewCondVar creates a CondVar identified by addr.
func NewCondVar(addr uintptr, reg Registry) *CondVar {
	return &CondVar{addr: addr, reg: reg}
}

// Wait releases m, parks the calling goroutine until Signal/Broadcast, and
// re-acquires m before returning. Like Mutex.Lock, the calling thread's
// migration-disabled region is released for the duration of the park.
func (c *CondVar) Wait(ctx context.Context, m *Mutex) {
	w := &waiter{wake: make(chan struct{})}

	c.mu.Lock()
	transitioned := c.waiters.Len() == 0
	c.waiters.PushBack(w)
	c.mu.Unlock()

	if transitioned && c.reg != nil {
		c.reg.Register(c.addr, KindCondVar)
	}

	m.Unlock()
	reacquire := migrategate.Release(ctx)
	<-w.wake
	reacquire()
	m.Lock(ctx)
}

// Signal wakes at most one waiter.
func (c *CondVar) Signal() {
	c.mu.Lock()
	front := c.waiters.Front()
	if front == nil {
		c.mu.Unlock()
		return
	}
	c.waiters.Remove(front)
	emptied := c.waiters.Len() == 0
	c.mu.Unlock()

	if emptied && c.reg != nil {
		c.reg.Unregister(c.addr, KindCondVar)
	}
	front.Value.(*waiter).wake <- struct{}{}
}

// Broadcast wakes every current waiter.
func (c *CondVar) Broadcast() {
	c.mu.Lock()
	var woken []*waiter
	for el := c.waiters.Front(); el != nil; el = el.Next() {
		woken = append(woken, el.Value.(*waiter))
	}
	c.waiters.Init()
	c.mu.Unlock()

	if len(woken) > 0 && c.reg != nil {
		c.reg.Unregister(c.addr, KindCondVar)
	}
	for _, w := range woken {
		w.wake <- struct{}{}
	}
}
