package future

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestCompleteBeforeGet(t *testing.T) {
	p, f := New[int]()
	p.Complete(7)
	v, err := f.Get(context.Background())
	must.NoError(t, err)
	must.Eq(t, 7, v)
}

func TestGetBeforeComplete(t *testing.T) {
	p, f := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Complete("done")
	}()
	v, err := f.Get(context.Background())
	must.NoError(t, err)
	must.Eq(t, "done", v)
}

func TestGetRespectsContextCancellation(t *testing.T) {
	_, f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx)
	must.Error(t, err)
}
