package controller

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
)

func TestRegisterNodeIdempotent(t *testing.T) {
	c := New(nil, nil)
	md5 := BuildMD5([]byte("build-1"))

	lpid1, base1, err := c.RegisterNode(NodeAddr{IP: "10.0.0.1", Port: 9000}, 0, md5)
	must.NoError(t, err)

	lpid2, base2, err := c.RegisterNode(NodeAddr{IP: "10.0.0.1", Port: 9000}, lpid1, md5)
	must.NoError(t, err)
	must.Eq(t, lpid1, lpid2)
	_ = base1
	_ = base2
}

func TestRegisterNodeRejectsMD5Mismatch(t *testing.T) {
	c := New(nil, nil)
	md5a := BuildMD5([]byte("build-a"))
	md5b := BuildMD5([]byte("build-b"))

	lpid, _, err := c.RegisterNode(NodeAddr{IP: "10.0.0.1", Port: 9000}, 0, md5a)
	must.NoError(t, err)

	_, _, err = c.RegisterNode(NodeAddr{IP: "10.0.0.2", Port: 9000}, lpid, md5b)
	must.ErrorIs(t, err, ErrMD5Mismatch)
}

func TestAllocateThenDestroyRestoresFreeSet(t *testing.T) {
	c := New(nil, nil)
	md5 := BuildMD5([]byte("build-1"))
	lpid, _, err := c.RegisterNode(NodeAddr{IP: "10.0.0.1", Port: 9000}, 0, md5)
	must.NoError(t, err)

	id, _, err := c.AllocateProclet(lpid, "")
	must.NoError(t, err)

	_, ok := c.ResolveProclet(id)
	must.True(t, ok)

	must.NoError(t, c.DestroyProclet(id))
	_, ok = c.ResolveProclet(id)
	must.False(t, ok)

	// The freed window must be reused by the next allocation.
	id2, _, err := c.AllocateProclet(lpid, "")
	must.NoError(t, err)
	must.Eq(t, id, id2)
}

func TestGetMigrationDestExcludesRequestor(t *testing.T) {
	c := New(nil, nil)
	md5 := BuildMD5([]byte("build-1"))
	lpid, _, err := c.RegisterNode(NodeAddr{IP: "10.0.0.1", Port: 9000}, 0, md5)
	must.NoError(t, err)
	_, _, err = c.RegisterNode(NodeAddr{IP: "10.0.0.2", Port: 9000}, lpid, md5)
	must.NoError(t, err)

	dest, ok := c.GetMigrationDest(lpid, "10.0.0.1", Resource{})
	must.True(t, ok)
	must.Eq(t, "10.0.0.2", dest.IP)
}

func TestClientCachesAndInvalidates(t *testing.T) {
	c := New(nil, nil)
	md5 := BuildMD5([]byte("build-1"))
	lpid, _, err := c.RegisterNode(NodeAddr{IP: "10.0.0.1", Port: 9000}, 0, md5)
	must.NoError(t, err)
	id, node, err := c.AllocateProclet(lpid, "")
	must.NoError(t, err)

	client := NewClient(nil, c)
	got, err := client.Resolve(context.Background(), id)
	must.NoError(t, err)
	must.Eq(t, node, got)

	// Migrate: cutover changes the controller's view...
	newNode := NodeAddr{IP: "10.0.0.2", Port: 9000}
	_, _, _ = c.RegisterNode(newNode, lpid, md5)
	must.NoError(t, c.UpdateLocation(id, newNode))

	// ...but the client's cache is stale until invalidated.
	stale, err := client.Resolve(context.Background(), id)
	must.NoError(t, err)
	must.Eq(t, node, stale)

	client.Invalidate(id)
	fresh, err := client.Resolve(context.Background(), id)
	must.NoError(t, err)
	must.Eq(t, newNode, fresh)
}
