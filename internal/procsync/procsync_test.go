package procsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

type fakeRegistry struct {
	mu        sync.Mutex
	registered map[uintptr]SyncerKind
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: map[uintptr]SyncerKind{}}
}

func (f *fakeRegistry) Register(addr uintptr, kind SyncerKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[addr] = kind
}

func (f *fakeRegistry) Unregister(addr uintptr, kind SyncerKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, addr)
}

func (f *fakeRegistry) has(addr uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[addr]
	return ok
}

func TestMutexRegistersOnlyWhenContested(t *testing.T) {
	reg := newFakeRegistry()
	m := NewMutex(0x1000, reg)

	m.Lock(context.Background())
	must.False(t, reg.has(0x1000))

	unlocked := make(chan struct{})
	go func() {
		m.Lock(context.Background())
		close(unlocked)
	}()

	// give the second locker a chance to park
	deadline := time.Now().Add(time.Second)
	for !reg.has(0x1000) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	must.True(t, reg.has(0x1000))

	m.Unlock()
	<-unlocked
	m.Unlock()

	deadline = time.Now().Add(time.Second)
	for reg.has(0x1000) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	must.False(t, reg.has(0x1000))
}

func TestCondVarSignal(t *testing.T) {
	reg := newFakeRegistry()
	m := NewMutex(0x2000, reg)
	cv := NewCondVar(0x2001, reg)

	ready := false
	woke := make(chan struct{})

	m.Lock(context.Background())
	go func() {
		m.Lock(context.Background())
		for !ready {
			cv.Wait(context.Background(), m)
		}
		m.Unlock()
		close(woke)
	}()
	m.Unlock()

	deadline := time.Now().Add(time.Second)
	for !reg.has(0x2001) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	must.True(t, reg.has(0x2001))

	m.Lock(context.Background())
	ready = true
	m.Unlock()
	cv.Signal()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("condvar signal never woke waiter")
	}
}
