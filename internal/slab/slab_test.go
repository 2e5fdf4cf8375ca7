package slab

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := New(make([]byte, 1<<20), 4)

	p, err := a.Allocate(0, 100)
	must.NoError(t, err)
	must.NonZero(t, p)

	usageAfterAlloc := a.Usage()
	must.NoError(t, a.Free(0, p))

	p2, err := a.Allocate(0, 100)
	must.NoError(t, err)
	// Same size-class reuse from the free list must not advance the bump
	// pointer further.
	must.Eq(t, usageAfterAlloc, a.Usage())
	must.NonZero(t, p2)
}

func TestFreeSentinelMismatch(t *testing.T) {
	a := New(make([]byte, 1<<16), 1)
	err := a.Free(0, 123456)
	must.ErrorIs(t, err, ErrSentinelMismatch)
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(make([]byte, 64), 1)
	// First allocation of the minimum class (32B block: 24B payload + 8B
	// header) takes bytes 8..40 after the reserved first 8; a second would
	// end at 72, past the 64-byte arena.
	_, err := a.Allocate(0, 24)
	must.NoError(t, err)

	_, err = a.Allocate(0, 24)
	must.ErrorIs(t, err, ErrExhausted)
}

func TestTryShrink(t *testing.T) {
	a := New(make([]byte, 1<<16), 1)
	_, err := a.Allocate(0, 100)
	must.NoError(t, err)

	must.False(t, a.TryShrink(4))
	must.True(t, a.TryShrink(a.Usage()))
}
