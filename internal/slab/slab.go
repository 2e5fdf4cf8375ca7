// Package slab implements the bump-pointer, size-classed allocator used for
// both the process-wide runtime heap and every per-proclet heap.
package slab

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	// MinClassShift and MaxClassShift bound the power-of-two size classes,
	// 32 B .. 32 GiB.
	MinClassShift = 5
	MaxClassShift = 35

	numClasses = MaxClassShift - MinClassShift + 1

	// sentinelByte is written into every PtrHeader and cross-checked on free.
	sentinelByte = 0xBE

	// headerLen is the encoded size of PtrHeader: 48 bits of size packed
	// with a 16 bit sentinel, stored as a plain 8 byte little-endian word.
	headerLen = 8
)

// ErrSentinelMismatch is returned (and should otherwise abort the process
// as a protocol violation) when Free observes a corrupted or already-freed
// header.
var ErrSentinelMismatch = errors.New("slab: sentinel mismatch on free")

// ErrExhausted is returned by Allocate when the arena has no room left for
// the requested size class.
var ErrExhausted = errors.New("slab: arena exhausted")

// freeClass is a per-size-class LIFO free list. It is intentionally a plain
// singly-linked list of arena offsets to avoid extra bookkeeping allocations.
type freeClass struct {
	mu   sync.Mutex
	head uint64 // offset of first free block, 0 == empty (offset 0 never allocated)
}

// Allocator is a bump-pointer, size-classed allocator over a single
// contiguous byte arena. One Allocator backs the runtime heap; one more
// backs every proclet heap, initialized over the heap's VA window.
type Allocator struct {
	mu  sync.Mutex
	buf []byte
	cur uint64 // next unused offset, relative to buf[0]

	classes [numClasses]freeClass

	// perCore are small thread-local (here: per shard) caches of free
	// blocks to reduce contention on classes[*].mu under parallel
	// allocate/free traffic. Spill/refill thresholds shrink with object
	// size: the smallest classes get the largest caches.
	perCore []perCoreCache
}

type perCoreCache struct {
	mu    sync.Mutex
	free  [numClasses][]uint64
}

// cacheCapacity implements "cache size shrinks with object size per a fixed
// decay formula; smallest classes get the largest caches."
func cacheCapacity(classIdx int) int {
	// class 0 (32B) gets 256 slots, halving every 4 classes down to a
	// floor of 8.
	cap := 256 >> uint(classIdx/4)
	if cap < 8 {
		cap = 8
	}
	return cap
}

// New initializes an Allocator over buf. numShards controls how many
// per-core free-list caches are maintained; callers typically pass
// runtime.NumCPU().
func New(buf []byte, numShards int) *Allocator {
	if numShards < 1 {
		numShards = 1
	}
	a := &Allocator{
		buf:     buf,
		cur:     8, // reserve offset 0 so it can mean "empty free list"
		perCore: make([]perCoreCache, numShards),
	}
	return a
}

// Import reconstructs an Allocator at a migration destination from a
// transferred used-prefix. buf must already be the full heap window with the
// transferred prefix
// copied into its start; usedBytes is the source's Usage() at the moment it
// was captured. Per-class free lists are not transferred (freed-but-not-yet-
// reused blocks inside the used prefix stay allocated until the destination
// frees them itself); this trades a small amount of fragmentation for a
// protocol that only ever moves live bytes across the wire.
func Import(buf []byte, usedBytes uint64, numShards int) *Allocator {
	if numShards < 1 {
		numShards = 1
	}
	return &Allocator{
		buf:     buf,
		cur:     usedBytes,
		perCore: make([]perCoreCache, numShards),
	}
}

func classShiftFor(size uint64) int {
	shift := MinClassShift
	classSize := uint64(1) << uint(shift)
	for classSize < size && shift < MaxClassShift {
		shift++
		classSize <<= 1
	}
	return shift
}

// classSizeOf returns the block size for the class at shift, including the
// headerLen-byte header.
func classSizeOf(shift int) uint64 {
	return uint64(1) << uint(shift)
}

// Allocate returns a pointer (arena-relative offset) to a block able to hold
// n bytes, or ErrExhausted if the arena has no room. It never blocks.
func (a *Allocator) Allocate(shard int, n uint64) (uint64, error) {
	shift := classShiftFor(n + headerLen)
	if shift > MaxClassShift {
		return 0, ErrExhausted
	}
	classIdx := shift - MinClassShift
	classSize := classSizeOf(shift)

	if shard >= 0 && shard < len(a.perCore) {
		pc := &a.perCore[shard]
		pc.mu.Lock()
		if n := len(pc.free[classIdx]); n > 0 {
			off := pc.free[classIdx][n-1]
			pc.free[classIdx] = pc.free[classIdx][:n-1]
			pc.mu.Unlock()
			a.writeHeader(off, classSize)
			return off + headerLen, nil
		}
		pc.mu.Unlock()
	}

	cls := &a.classes[classIdx]
	cls.mu.Lock()
	if cls.head != 0 {
		off := cls.head
		cls.head = a.readFreeNext(off)
		cls.mu.Unlock()
		a.writeHeader(off, classSize)
		return off + headerLen, nil
	}
	cls.mu.Unlock()

	a.mu.Lock()
	off := a.cur
	total := classSize
	if off+total > uint64(len(a.buf)) {
		a.mu.Unlock()
		return 0, ErrExhausted
	}
	a.cur += total
	a.mu.Unlock()

	a.writeHeader(off, classSize)
	return off + headerLen, nil
}

// Free returns ptr (as previously returned by Allocate from this arena) to
// its size class's free list. It cross-checks the sentinel and aborts
// (returns ErrSentinelMismatch) if the header looks wrong.
func (a *Allocator) Free(shard int, ptr uint64) error {
	if ptr < headerLen {
		return ErrSentinelMismatch
	}
	off := ptr - headerLen
	size, ok := a.readHeader(off)
	if !ok {
		return ErrSentinelMismatch
	}
	shift := classShiftFor(size)
	classIdx := shift - MinClassShift

	if shard >= 0 && shard < len(a.perCore) {
		pc := &a.perCore[shard]
		pc.mu.Lock()
		if len(pc.free[classIdx]) < cacheCapacity(classIdx) {
			pc.free[classIdx] = append(pc.free[classIdx], off)
			pc.mu.Unlock()
			return nil
		}
		// spill half back to the global list under contention.
		half := pc.free[classIdx][:len(pc.free[classIdx])/2]
		rest := pc.free[classIdx][len(pc.free[classIdx])/2:]
		pc.free[classIdx] = rest
		pc.mu.Unlock()

		cls := &a.classes[classIdx]
		cls.mu.Lock()
		for _, o := range half {
			a.writeFreeNext(o, cls.head)
			cls.head = o
		}
		cls.mu.Unlock()

		pc.mu.Lock()
		pc.free[classIdx] = append(pc.free[classIdx], off)
		pc.mu.Unlock()
		return nil
	}

	cls := &a.classes[classIdx]
	cls.mu.Lock()
	a.writeFreeNext(off, cls.head)
	cls.head = off
	cls.mu.Unlock()
	return nil
}

// TryShrink reports whether the bump pointer has not yet exceeded newLen.
// It only reports: the arena's buffer and bump pointer are left unchanged
// and no tail is reclaimed.
func (a *Allocator) TryShrink(newLen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur > newLen {
		return false
	}
	return true
}

// Usage returns the number of bytes claimed by the bump pointer so far; this
// is the "used prefix" transferred during migration.
func (a *Allocator) Usage() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Base returns the backing arena, for migration to read the used prefix.
func (a *Allocator) Base() []byte { return a.buf }

func (a *Allocator) writeHeader(off, size uint64) {
	var hdr [headerLen]byte
	v := (size << 16) | uint64(sentinelByte)
	binary.LittleEndian.PutUint64(hdr[:], v)
	copy(a.buf[off:off+headerLen], hdr[:])
}

func (a *Allocator) readHeader(off uint64) (size uint64, ok bool) {
	if off+headerLen > uint64(len(a.buf)) {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(a.buf[off : off+headerLen])
	sentinel := v & 0xFFFF
	if sentinel != sentinelByte {
		return 0, false
	}
	return v >> 16, true
}

// writeFreeNext/readFreeNext reuse the freed block's own storage to thread
// the free list, so no separate bookkeeping allocation is needed per block.
func (a *Allocator) writeFreeNext(off, next uint64) {
	binary.LittleEndian.PutUint64(a.buf[off:off+8], next)
}

func (a *Allocator) readFreeNext(off uint64) uint64 {
	return binary.LittleEndian.Uint64(a.buf[off : off+8])
}
