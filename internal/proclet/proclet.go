// Package proclet implements the per-proclet metadata block (ProcletHeader)
// placed at the base of every proclet heap, and the per-node registry of
// live proclets (ProcletManager).
package proclet

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-set/v3"

	"github.com/proclet-systems/procletd/internal/procsync"
	"github.com/proclet-systems/procletd/internal/rcu"
	"github.com/proclet-systems/procletd/internal/rtime"
	"github.com/proclet-systems/procletd/internal/slab"
)

// ID is a proclet's virtual address: the base of its 1 GiB heap window.
// Cluster-unique, never reused while the proclet is alive, stable across
// migrations.
type ID uint64

// HeapWindowBytes is the fixed size of every proclet heap.
const HeapWindowBytes = 1 << 30

// Status is the proclet's directory-visible lifecycle state.
type Status int

const (
	StatusAbsent Status = iota
	StatusPresent
	StatusMigrating
)

func (s Status) String() string {
	switch s {
	case StatusPresent:
		return "PRESENT"
	case StatusMigrating:
		return "MIGRATING"
	default:
		return "ABSENT"
	}
}

// SyncerKey identifies one entry of a proclet's blocked-syncer set: a
// (address, kind) pair.
type SyncerKey struct {
	Addr uintptr
	Kind procsync.SyncerKind
}

// Header is the per-proclet metadata block placed at the base of every
// proclet heap.
type Header struct {
	ID ID

	spin sync.Mutex // guards RefCnt, ThreadCnt, Migratable, Migrating

	Slab *slab.Allocator

	RefCnt     int64
	ThreadCnt  int64
	ThreadSet  *set.Set[uint64] // thread handles currently "inside" this proclet
	Blocked    *set.Set[SyncerKey]
	RCU        *rcu.Lock
	Migratable bool
	Migrating  bool
	CPULoad    float64 // EWMA of CPU cycles charged to this proclet
	Clock      *rtime.Clock
}

// NewHeader constructs a freshly-constructed proclet's header over buf (the
// heap window minus the header's own reserved space), the server-side
// `construct` step.
func NewHeader(id ID, buf []byte, numShards int, pinned bool) *Header {
	return &Header{
		ID:         id,
		Slab:       slab.New(buf, numShards),
		ThreadSet:  set.New[uint64](8),
		Blocked:    set.New[SyncerKey](4),
		RCU:        rcu.New(numShards),
		Migratable: !pinned,
		Clock:      rtime.New(),
	}
}

// NewHeaderFromTransfer reconstructs a Header at a migration destination
// from an already-installed slab.Allocator (built via slab.Import over the
// transferred byte prefix) and the thread/blocked-syncer state carried in
// the migrator-protocol's thread stream. Unlike
// NewHeader, thread/blocked-syncer sets start pre-populated rather than
// empty, and the caller is expected to wake the migrated threads once this
// returns (the threads themselves are not reconstructed here: Go's
// runtime has no equivalent of resuming a saved register context, so the
// migrated work is re-entered as fresh goroutines against the transferred
// heap state instead).
func NewHeaderFromTransfer(id ID, slabAlloc *slab.Allocator, numShards int, pinned bool, threadIDs []uint64, blocked []SyncerKey) *Header {
	h := &Header{
		ID:         id,
		Slab:       slabAlloc,
		ThreadSet:  set.New[uint64](8),
		Blocked:    set.New[SyncerKey](4),
		RCU:        rcu.New(numShards),
		Migratable: !pinned,
		Clock:      rtime.New(),
	}
	for _, tid := range threadIDs {
		h.ThreadSet.Insert(tid)
	}
	h.ThreadCnt = int64(h.ThreadSet.Size())
	for _, k := range blocked {
		h.Blocked.Insert(k)
	}
	return h
}

// Register implements procsync.Registry: publishing/removing a syncer from
// the blocked-syncer set under the header spinlock.
func (h *Header) Register(addr uintptr, kind procsync.SyncerKind) {
	h.spin.Lock()
	defer h.spin.Unlock()
	h.Blocked.Insert(SyncerKey{Addr: addr, Kind: kind})
}

func (h *Header) Unregister(addr uintptr, kind procsync.SyncerKind) {
	h.spin.Lock()
	defer h.spin.Unlock()
	h.Blocked.Remove(SyncerKey{Addr: addr, Kind: kind})
}

// EnterThread registers thread as executing inside this proclet (the
// migration-disabled region begins), taking the RCU reader lock on shard.
func (h *Header) EnterThread(threadID uint64, shard int) {
	h.spin.Lock()
	h.ThreadCnt++
	h.ThreadSet.Insert(threadID)
	h.spin.Unlock()
	h.RCU.ReaderLock(shard)
}

// LeaveThread ends the migration-disabled region for thread.
func (h *Header) LeaveThread(threadID uint64, shard int) {
	h.RCU.ReaderUnlock(shard)
	h.spin.Lock()
	h.ThreadCnt--
	h.ThreadSet.Remove(threadID)
	h.spin.Unlock()
}

// AddRef applies delta to the refcount under the header spinlock and
// reports whether the count transitioned to exactly zero (the caller must
// then attempt to destroy the proclet).
func (h *Header) AddRef(delta int64) (newCount int64, hitZero bool) {
	h.spin.Lock()
	defer h.spin.Unlock()
	h.RefCnt += delta
	if h.RefCnt < 0 {
		panic(fmt.Sprintf("proclet %x: ref_cnt went negative", h.ID))
	}
	return h.RefCnt, h.RefCnt == 0
}

// SetMigrating atomically flips Migrating, returning false if it was
// already set: a second concurrent migration attempt on the same proclet
// must not proceed.
func (h *Header) SetMigrating(v bool) (ok bool) {
	h.spin.Lock()
	defer h.spin.Unlock()
	if v && h.Migrating {
		return false
	}
	h.Migrating = v
	return true
}

// IsMigrating reports the current migrating flag.
func (h *Header) IsMigrating() bool {
	h.spin.Lock()
	defer h.spin.Unlock()
	return h.Migrating
}

// UpdateCPULoad folds in a fresh sample into the per-proclet EWMA consulted
// by the pressure handler's CPU ranking. alpha is the smoothing factor
// (0 < alpha <= 1); higher weights recent samples more.
func (h *Header) UpdateCPULoad(sampleCycles float64, alpha float64) {
	h.spin.Lock()
	defer h.spin.Unlock()
	h.CPULoad = alpha*sampleCycles + (1-alpha)*h.CPULoad
}

// Entry is one ProcletManager-tracked local proclet: its header plus
// directory status.
type Entry struct {
	Header *Header
	Status Status
}

// Manager tracks the set of proclets currently local to this node and their
// status.
type Manager struct {
	mu      sync.RWMutex
	entries map[ID]*Entry
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[ID]*Entry)}
}

// Construct installs a freshly created proclet as PRESENT (the publish is
// release-ordered relative to header initialization by virtue of happening
// under the manager's write lock).
func (m *Manager) Construct(id ID, h *Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &Entry{Header: h, Status: StatusPresent}
}

// Lookup returns the entry for id, if local.
func (m *Manager) Lookup(id ID) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// MarkMigrating attempts the PRESENT -> MIGRATING CAS that quiesces a
// proclet ahead of transfer. Returns false if the proclet isn't local or
// isn't PRESENT.
func (m *Manager) MarkMigrating(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != StatusPresent {
		return false
	}
	e.Status = StatusMigrating
	return true
}

// Remove deletes a proclet's local entry (migration cutover, or destroy
// once ref_cnt hits zero and the proclet is not mid-migration).
func (m *Manager) Remove(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// TryDestroy removes id's entry iff it is currently PRESENT: it marks the
// proclet non-present, which fails if it is migrating. Returns false (and
// leaves the entry untouched) if the proclet isn't local or is MIGRATING,
// in which case the caller must reply CLIENT_RETRY rather than destroy
// anything.
func (m *Manager) TryDestroy(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != StatusPresent {
		return false
	}
	delete(m.entries, id)
	return true
}

// Len reports the number of locally-tracked proclets.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Range calls fn for every locally-tracked proclet; fn must not mutate the
// Manager.
func (m *Manager) Range(fn func(id ID, e *Entry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, e := range m.entries {
		if !fn(id, e) {
			return
		}
	}
}
