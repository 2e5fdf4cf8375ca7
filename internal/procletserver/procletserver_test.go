package procletserver

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/stack"
	"github.com/proclet-systems/procletd/internal/wire"
)

const selectorEcho uint64 = 2

func newTestServer(t *testing.T) (*Server, proclet.ID) {
	t.Helper()
	manager := proclet.NewManager()
	cluster := stack.NewCluster(1, 4, stack.DefaultStackBytes)
	registry := NewRegistry()
	registry.Register(selectorEcho, func(_ context.Context, h *proclet.Header, args []byte) ([]byte, error) {
		return args, nil
	})
	srv := New(nil, manager, cluster, registry, nil, 2)

	id := proclet.ID(1)
	payload, err := wire.Encode(ConstructArgs{HeapSize: 4096})
	must.NoError(t, err)
	reply := srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: uint64(id), Selector: SelectorConstruct, Args: payload})
	must.Eq(t, wire.RCOk, reply.RC)

	return srv, id
}

func TestConstructThenInvoke(t *testing.T) {
	srv, id := newTestServer(t)

	reply := srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: uint64(id), Selector: selectorEcho, Args: []byte("hi")})
	must.Eq(t, wire.RCOk, reply.RC)
	must.Eq(t, "hi", string(reply.Payload))
}

func TestDispatchUnknownProcletIsClientRetryWithoutResolver(t *testing.T) {
	srv, _ := newTestServer(t)
	reply := srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: 999, Selector: selectorEcho})
	must.Eq(t, wire.RCClientRetry, reply.RC)
}

func TestUpdateRefCntDestroysOnZero(t *testing.T) {
	srv, id := newTestServer(t)

	inc, err := wire.Encode(UpdateRefCntArgs{Delta: 1})
	must.NoError(t, err)
	reply := srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: uint64(id), Selector: SelectorUpdateRefCnt, Args: inc})
	must.Eq(t, wire.RCOk, reply.RC)

	dec, err := wire.Encode(UpdateRefCntArgs{Delta: -1})
	must.NoError(t, err)
	reply = srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: uint64(id), Selector: SelectorUpdateRefCnt, Args: dec})
	must.Eq(t, wire.RCOk, reply.RC)

	_, ok := srv.manager.Lookup(id)
	must.False(t, ok)
}

func TestUpdateRefCntClientRetryWhileMigrating(t *testing.T) {
	srv, id := newTestServer(t)
	must.True(t, srv.manager.MarkMigrating(id))

	dec, err := wire.Encode(UpdateRefCntArgs{Delta: 0})
	must.NoError(t, err)
	// refcnt is already 0, so delta 0 still triggers the hitZero path and
	// TryDestroy must fail because status is MIGRATING.
	reply := srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: uint64(id), Selector: SelectorUpdateRefCnt, Args: dec})
	must.Eq(t, wire.RCClientRetry, reply.RC)
}

func TestDispatchMigratingProcletIsClientRetry(t *testing.T) {
	srv, id := newTestServer(t)
	must.True(t, srv.manager.MarkMigrating(id))

	reply := srv.Dispatch(context.Background(), wire.ProcletCall{ProcletID: uint64(id), Selector: selectorEcho, Args: []byte("x")})
	must.Eq(t, wire.RCClientRetry, reply.RC)
}
