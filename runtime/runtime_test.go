package runtime

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/proclet-systems/procletd/internal/config"
	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/procletserver"
	"github.com/proclet-systems/procletd/internal/procsync"
	"github.com/proclet-systems/procletd/internal/wire"
)

func dialTCP(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }

const selectorEcho uint64 = procletserver.SelectorUserBase

func newTestRuntime(t *testing.T, ctrl *controller.Controller, bindIP string) *Runtime {
	t.Helper()
	cfg := &config.Config{
		BindIP:              bindIP,
		RPCPort:             0,
		MigratorPort:        0,
		NumShards:           2,
		NumStacksPerCluster: 16,
		Pressure: config.Pressure{
			PollInterval:   10 * time.Millisecond,
			RankingCadence: 10 * time.Millisecond,
		},
	}
	rt, err := New(Options{
		Config:     cfg,
		Dial:       dialTCP,
		Controller: ctrl,
	})
	must.NoError(t, err)
	t.Cleanup(func() { rt.Shutdown() })
	return rt
}

// TestMakeProcletThenCall exercises a pass-by-value round trip: construct a
// proclet, call an application method against it, and confirm the reply
// matches.
func TestMakeProcletThenCall(t *testing.T) {
	ctrl := controller.New(nil, nil)
	rt := newTestRuntime(t, ctrl, "127.0.0.1")

	rt.RegisterMethod(selectorEcho, func(_ context.Context, _ *proclet.Header, args []byte) ([]byte, error) {
		return args, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	id, err := rt.MakeProclet(context.Background(), false, "")
	must.NoError(t, err)
	must.NotEq(t, uint64(0), uint64(id))

	reply, err := rt.Call(context.Background(), 0, id, selectorEcho, []byte("hello"))
	must.NoError(t, err)
	must.Eq(t, "hello", string(reply))

	node, ok := ctrl.ResolveProclet(id)
	must.True(t, ok)
	must.Eq(t, rt.SelfAddr(), node)

	// Taking then dropping the only reference must tear the proclet down and
	// clear the directory entry, not just decrement a counter.
	incr, err := wire.Encode(procletserver.UpdateRefCntArgs{Delta: 1})
	must.NoError(t, err)
	_, err = rt.Call(context.Background(), 0, id, procletserver.SelectorUpdateRefCnt, incr)
	must.NoError(t, err)

	decr, err := wire.Encode(procletserver.UpdateRefCntArgs{Delta: -1})
	must.NoError(t, err)
	_, err = rt.Call(context.Background(), 0, id, procletserver.SelectorUpdateRefCnt, decr)
	must.NoError(t, err)

	_, ok = ctrl.ResolveProclet(id)
	must.False(t, ok)
}

// TestMigrateMovesProcletToDestination exercises a full migration end to
// end: two runtimes sharing one lpid, a proclet constructed on the source,
// and a forced Migrate call that must relocate it to the destination and
// repoint the controller's directory.
func TestMigrateMovesProcletToDestination(t *testing.T) {
	ctrl := controller.New(nil, nil)
	// Distinct loopback addresses so GetMigrationDest's exclude-the-
	// requestor-by-IP check doesn't treat source and destination as the
	// same node.
	src := newTestRuntime(t, ctrl, "127.0.0.1")
	dst := newTestRuntime(t, ctrl, "127.0.0.2")
	// Fold dst into src's lpid group; RegisterNode during New assigned each
	// a fresh lpid of its own since neither specified an lpid_hint.
	_, _, err := ctrl.RegisterNode(dst.SelfAddr(), src.Lpid(), [16]byte{})
	must.NoError(t, err)

	srcCtx, srcCancel := context.WithCancel(context.Background())
	defer srcCancel()
	dstCtx, dstCancel := context.WithCancel(context.Background())
	defer dstCancel()
	go src.Run(srcCtx)
	go dst.Run(dstCtx)

	id, err := src.MakeProclet(context.Background(), false, src.SelfAddr().IP)
	must.NoError(t, err)

	err = src.Migrate(context.Background(), id, controller.Resource{MemMBs: 1})
	must.NoError(t, err)

	node, ok := ctrl.ResolveProclet(id)
	must.True(t, ok)
	must.Eq(t, dst.SelfAddr(), node)
}

// TestConcurrentCallsAcrossProcletsStayIsolated drives many concurrent calls
// against two distinct proclets on the same node and confirms neither
// proclet's call count leaks into the other's, the way it would if dispatch
// shared state across proclets instead of keying it off the target's own
// header.
func TestConcurrentCallsAcrossProcletsStayIsolated(t *testing.T) {
	ctrl := controller.New(nil, nil)
	rt := newTestRuntime(t, ctrl, "127.0.0.1")

	var mu sync.Mutex
	counts := map[proclet.ID]int{}
	var callErrs []error

	rt.RegisterMethod(selectorEcho, func(_ context.Context, h *proclet.Header, args []byte) ([]byte, error) {
		mu.Lock()
		counts[h.ID]++
		mu.Unlock()
		return args, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	idA, err := rt.MakeProclet(context.Background(), false, "")
	must.NoError(t, err)
	idB, err := rt.MakeProclet(context.Background(), false, "")
	must.NoError(t, err)

	const callsPerProclet = 50
	var wg sync.WaitGroup
	for _, id := range []proclet.ID{idA, idB} {
		id := id
		for i := 0; i < callsPerProclet; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := rt.Call(context.Background(), 0, id, selectorEcho, []byte("x")); err != nil {
					mu.Lock()
					callErrs = append(callErrs, err)
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	must.Len(t, 0, callErrs)
	mu.Lock()
	defer mu.Unlock()
	must.Eq(t, callsPerProclet, counts[idA])
	must.Eq(t, callsPerProclet, counts[idB])
}

// TestMutexBlockedThreadStillMigrates exercises the scenario the migration-
// disabled region exists for: a thread parked inside an application-level
// Mutex must not prevent the proclet it belongs to from migrating. Before
// internal/migrategate released the RCU reader lock across a park, this
// deadlocked forever inside Migrate's WriterSync.
func TestMutexBlockedThreadStillMigrates(t *testing.T) {
	ctrl := controller.New(nil, nil)
	src := newTestRuntime(t, ctrl, "127.0.0.1")
	dst := newTestRuntime(t, ctrl, "127.0.0.2")
	_, _, err := ctrl.RegisterNode(dst.SelfAddr(), src.Lpid(), [16]byte{})
	must.NoError(t, err)

	reg := newParkRegistry()
	sharedMu := procsync.NewMutex(0x1, reg)
	sharedMu.Lock(context.Background())

	blockThenEcho := func(ctx context.Context, _ *proclet.Header, args []byte) ([]byte, error) {
		sharedMu.Lock(ctx)
		defer sharedMu.Unlock()
		return args, nil
	}
	src.RegisterMethod(selectorEcho, blockThenEcho)
	dst.RegisterMethod(selectorEcho, blockThenEcho)

	srcCtx, srcCancel := context.WithCancel(context.Background())
	defer srcCancel()
	dstCtx, dstCancel := context.WithCancel(context.Background())
	defer dstCancel()
	go src.Run(srcCtx)
	go dst.Run(dstCtx)

	id, err := src.MakeProclet(context.Background(), false, src.SelfAddr().IP)
	must.NoError(t, err)

	callDone := make(chan error, 1)
	go func() {
		_, err := src.Call(context.Background(), 0, id, selectorEcho, []byte("blocked"))
		callDone <- err
	}()

	// Wait for the call's thread to actually park in sharedMu before forcing
	// migration, so Migrate observes a blocked reader.
	deadline := time.Now().Add(time.Second)
	for !reg.has(0x1) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	must.True(t, reg.has(0x1))

	migrateDone := make(chan error, 1)
	go func() {
		migrateDone <- src.Migrate(context.Background(), id, controller.Resource{MemMBs: 1})
	}()

	select {
	case err := <-migrateDone:
		must.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("migrate never returned while a thread was parked in a mutex")
	}

	// Release the original holder; the parked call (wherever it ends up
	// finishing dispatch, source or destination after a FORWARDED retry)
	// must complete successfully.
	sharedMu.Unlock()

	select {
	case err := <-callDone:
		must.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("call with a blocked mutex thread never completed after migration")
	}

	node, ok := ctrl.ResolveProclet(id)
	must.True(t, ok)
	must.Eq(t, dst.SelfAddr(), node)
}

// parkRegistry is a procsync.Registry recording which (addr, kind)
// pairs currently have parked waiters, letting a test poll for a goroutine
// to have actually parked before proceeding.
type parkRegistry struct {
	mu         sync.Mutex
	registered map[uintptr]procsync.SyncerKind
}

func newParkRegistry() *parkRegistry {
	return &parkRegistry{registered: map[uintptr]procsync.SyncerKind{}}
}

func (r *parkRegistry) Register(addr uintptr, kind procsync.SyncerKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[addr] = kind
}

func (r *parkRegistry) Unregister(addr uintptr, kind procsync.SyncerKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, addr)
}

func (r *parkRegistry) has(addr uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[addr]
	return ok
}
