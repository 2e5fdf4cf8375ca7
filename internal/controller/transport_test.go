package controller

import (
	"net"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/proclet-systems/procletd/internal/proclet"
)

func dialTCP(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }

func TestTransportRoundTrip(t *testing.T) {
	ctrl := New(nil, nil)
	srv := NewTransportServer(nil, ctrl)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown() })
	go srv.Serve(ln)

	client, err := DialTransportClient(dialTCP, ln.Addr().String())
	must.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	md5 := BuildMD5([]byte("build-1"))
	node := NodeAddr{IP: "10.0.0.1", Port: 9000}
	lpid, _, err := client.RegisterNode(node, 0, md5)
	must.NoError(t, err)
	must.NotEq(t, uint64(0), lpid)

	id, placedAt, err := client.AllocateProclet(lpid, node.IP)
	must.NoError(t, err)
	must.Eq(t, node, placedAt)

	resolved, ok := client.ResolveProclet(id)
	must.True(t, ok)
	must.Eq(t, node, resolved)

	other := NodeAddr{IP: "10.0.0.2", Port: 9001}
	must.NoError(t, client.UpdateLocation(id, other))
	resolved, ok = client.ResolveProclet(id)
	must.True(t, ok)
	must.Eq(t, other, resolved)

	must.NoError(t, client.DestroyProclet(id))
	_, ok = client.ResolveProclet(id)
	must.False(t, ok)
}

func TestTransportErrorPropagates(t *testing.T) {
	ctrl := New(nil, nil)
	srv := NewTransportServer(nil, ctrl)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown() })
	go srv.Serve(ln)

	client, err := DialTransportClient(dialTCP, ln.Addr().String())
	must.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	err = client.DestroyProclet(proclet.ID(0xdeadbeef))
	must.Error(t, err)
}
