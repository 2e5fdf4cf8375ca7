package stack

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	c := NewCluster(1, 4, DefaultStackBytes)
	must.Eq(t, 4, c.Available())

	off, err := c.Allocate()
	must.NoError(t, err)
	must.Eq(t, 3, c.Available())

	c.Free(off)
	must.Eq(t, 4, c.Available())
}

func TestClusterExhaustion(t *testing.T) {
	c := NewCluster(1, 1, DefaultStackBytes)
	_, err := c.Allocate()
	must.NoError(t, err)

	_, err = c.Allocate()
	must.ErrorIs(t, err, ErrClusterExhausted)
}
