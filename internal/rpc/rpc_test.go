package rpc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/wire"
)

type echoDispatcher struct {
	fails int // number of CLIENT_RETRY responses to return before OK
}

func (d *echoDispatcher) Dispatch(_ context.Context, call wire.ProcletCall) wire.ProcletReply {
	if d.fails > 0 {
		d.fails--
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}
	return wire.ProcletReply{RC: wire.RCOk, Payload: call.Args}
}

// staticResolver always resolves to the same address; it doesn't exercise
// FORWARDED recovery, only credit flow and CLIENT_RETRY.
type staticResolver struct {
	addr controller.NodeAddr
}

func (s *staticResolver) Resolve(context.Context, proclet.ID) (controller.NodeAddr, error) {
	return s.addr, nil
}
func (s *staticResolver) Invalidate(proclet.ID)                  {}
func (s *staticResolver) Update(proclet.ID, controller.NodeAddr) {}

// forwardingDispatcher answers the first request with RCForwarded pointing
// at forwardTo, then answers every subsequent request OK. It stands in for
// a node that still holds a stale directory entry for a proclet that has
// since migrated elsewhere.
type forwardingDispatcher struct {
	forwardTo controller.NodeAddr
	forwarded bool
}

func (d *forwardingDispatcher) Dispatch(_ context.Context, call wire.ProcletCall) wire.ProcletReply {
	if !d.forwarded {
		d.forwarded = true
		fa := wire.ForwardAddr{IP: ipv4ToUint32(d.forwardTo.IP), Port: d.forwardTo.Port}
		return wire.ProcletReply{RC: wire.RCForwarded, Payload: wire.EncodeForwardAddr(fa)}
	}
	return wire.ProcletReply{RC: wire.RCOk, Payload: call.Args}
}

func ipv4ToUint32(ip string) uint32 {
	parsed := net.ParseIP(ip).To4()
	return uint32(parsed[0])<<24 | uint32(parsed[1])<<16 | uint32(parsed[2])<<8 | uint32(parsed[3])
}

// staleResolver resolves to a fixed address until Update rewrites it,
// recording whether Invalidate/Update were ever called so a test can
// confirm the client actually drove FORWARDED recovery rather than
// happening to dial the right node to begin with.
type staleResolver struct {
	mu          sync.Mutex
	addr        controller.NodeAddr
	invalidated bool
	updated     *controller.NodeAddr
}

func (s *staleResolver) Resolve(context.Context, proclet.ID) (controller.NodeAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updated != nil {
		return *s.updated, nil
	}
	return s.addr, nil
}

func (s *staleResolver) Invalidate(proclet.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
}

func (s *staleResolver) Update(_ proclet.ID, addr controller.NodeAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = &addr
}

func dialTCP(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }

func startTestServer(t *testing.T, d Dispatcher) controller.NodeAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	srv := NewServer(nil, d)
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown()
		ln.Close()
	})

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	must.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	must.NoError(t, err)
	return controller.NodeAddr{IP: host, Port: uint16(port)}
}

func TestClientCallRoundTrip(t *testing.T) {
	addr := startTestServer(t, &echoDispatcher{})

	cm := New(nil, dialTCP, 2)
	t.Cleanup(cm.Shutdown)

	client := NewClient(nil, cm, &staticResolver{addr: addr}, 2)
	reply, err := client.Call(context.Background(), 0, proclet.ID(1), 42, []byte("hello"))
	must.NoError(t, err)
	must.Eq(t, "hello", string(reply))
}

func TestClientRetriesOnClientRetry(t *testing.T) {
	addr := startTestServer(t, &echoDispatcher{fails: 2})

	cm := New(nil, dialTCP, 1)
	t.Cleanup(cm.Shutdown)

	client := NewClient(nil, cm, &staticResolver{addr: addr}, 1)
	reply, err := client.Call(context.Background(), 0, proclet.ID(1), 1, []byte("ok"))
	must.NoError(t, err)
	must.Eq(t, "ok", string(reply))
}

// TestClientFollowsForwardedToNewDestination exercises the stale-directory
// recovery path: the resolver starts out pointing at a node that no longer
// hosts the proclet, that node's FORWARDED reply names the real owner, and
// the client must invalidate its cache, retry against the new address, and
// return the real owner's answer without the caller ever seeing RCForwarded.
func TestClientFollowsForwardedToNewDestination(t *testing.T) {
	destAddr := startTestServer(t, &echoDispatcher{})
	staleAddr := startTestServer(t, &forwardingDispatcher{forwardTo: destAddr})

	cm := New(nil, dialTCP, 1)
	t.Cleanup(cm.Shutdown)

	resolver := &staleResolver{addr: staleAddr}
	client := NewClient(nil, cm, resolver, 1)

	reply, err := client.Call(context.Background(), 0, proclet.ID(7), 9, []byte("stale"))
	must.NoError(t, err)
	must.Eq(t, "stale", string(reply))

	must.True(t, resolver.invalidated)
	must.NotNil(t, resolver.updated)
	must.Eq(t, destAddr, *resolver.updated)
}

func TestConnectionManagerGetPutReusesConns(t *testing.T) {
	addr := startTestServer(t, &echoDispatcher{})
	cm := New(nil, dialTCP, 1)
	t.Cleanup(cm.Shutdown)

	c1, err := cm.Get(0, addr.String())
	must.NoError(t, err)
	cm.Put(0, addr.String(), c1)

	c2, err := cm.Get(0, addr.String())
	must.NoError(t, err)
	must.Eq(t, c1.ID, c2.ID)
}

func TestReserveCreditExhaustion(t *testing.T) {
	addr := startTestServer(t, &echoDispatcher{})
	cm := New(nil, dialTCP, 1)
	t.Cleanup(cm.Shutdown)

	conn, err := cm.Get(0, addr.String())
	must.NoError(t, err)
	defer cm.Put(0, addr.String(), conn)

	for i := 0; i < InitialCreditWindow; i++ {
		_, _, err := conn.reserveCredit()
		must.NoError(t, err)
	}
	_, _, err = conn.reserveCredit()
	must.ErrorIs(t, err, ErrNoCredit)
}
