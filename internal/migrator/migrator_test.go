package migrator

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/proclet"
)

func dialTCP(addr string) (net.Conn, error) { return net.Dial("tcp", addr) }

func listenTCP(t *testing.T, ip string) (net.Listener, controller.NodeAddr) {
	t.Helper()
	ln, err := net.Listen("tcp", ip+":0")
	must.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	must.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	must.NoError(t, err)
	return ln, controller.NodeAddr{IP: ip, Port: uint16(port)}
}

func TestMigrateTransfersSlabAndCutsOver(t *testing.T) {
	// Two distinct loopback addresses so GetMigrationDest's
	// exclude-the-requestor-by-IP check doesn't treat source and
	// destination as the same node.
	sourceLn, sourceAddr := listenTCP(t, "127.0.0.1")
	sourceLn.Close() // the source doesn't need to accept migrator-protocol connections in this test
	destLn, destAddr := listenTCP(t, "127.0.0.2")
	t.Cleanup(func() { destLn.Close() })

	ctrl := controller.New(nil, nil)
	lpid, _, err := ctrl.RegisterNode(sourceAddr, 0, [16]byte{})
	must.NoError(t, err)
	_, _, err = ctrl.RegisterNode(destAddr, lpid, [16]byte{})
	must.NoError(t, err)

	id, placedAt, err := ctrl.AllocateProclet(lpid, sourceAddr.IP)
	must.NoError(t, err)
	must.Eq(t, sourceAddr, placedAt)

	client := controller.NewClient(nil, ctrl)

	sourceManager := proclet.NewManager()
	buf := make([]byte, 1<<16)
	header := proclet.NewHeader(id, buf, 2, false)
	ptr, err := header.Slab.Allocate(0, 128)
	must.NoError(t, err)
	copy(buf[ptr:ptr+128], []byte("migrated payload"))
	sourceManager.Construct(id, header)
	usedBefore := header.Slab.Usage()

	destManager := proclet.NewManager()
	installed := make(chan proclet.ID, 1)
	receiver := NewReceiver(nil, destManager, func(installedID proclet.ID) { installed <- installedID })
	go receiver.Serve(destLn)

	mig := New(nil, sourceManager, client, sourceAddr.IP, dialTCP)
	err = mig.Migrate(context.Background(), id, lpid, controller.Resource{})
	must.NoError(t, err)

	<-installed

	_, stillSource := sourceManager.Lookup(id)
	must.False(t, stillSource)

	destEntry, ok := destManager.Lookup(id)
	must.True(t, ok)
	must.Eq(t, usedBefore, destEntry.Header.Slab.Usage())
	must.Eq(t, "migrated payload", string(destEntry.Header.Slab.Base()[ptr:ptr+16]))

	resolved, err := client.Resolve(context.Background(), id)
	must.NoError(t, err)
	must.Eq(t, destAddr, resolved)
}
