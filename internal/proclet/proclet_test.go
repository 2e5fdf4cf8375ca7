package proclet

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/proclet-systems/procletd/internal/procsync"
)

func TestManagerMigratingCAS(t *testing.T) {
	m := NewManager()
	h := NewHeader(1, make([]byte, 1<<16), 1, false)
	m.Construct(1, h)

	must.True(t, m.MarkMigrating(1))
	// A second concurrent migration attempt must not also succeed.
	must.False(t, m.MarkMigrating(1))
}

func TestRefCountHitsZero(t *testing.T) {
	h := NewHeader(1, make([]byte, 1<<16), 1, false)
	_, hit := h.AddRef(1)
	must.False(t, hit)
	n, hit := h.AddRef(-1)
	must.Zero(t, n)
	must.True(t, hit)
}

func TestUncontestedLockSkipsBlockedSyncerSet(t *testing.T) {
	h := NewHeader(1, make([]byte, 1<<16), 1, false)
	mu := procsync.NewMutex(0xAB, h)

	mu.Lock(context.Background())
	must.False(t, h.Blocked.Contains(SyncerKey{Addr: 0xAB, Kind: procsync.KindMutex}))
	mu.Unlock()
}
