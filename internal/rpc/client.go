package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/armon/go-metrics"

	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/wire"
)

// Resolver is the subset of controller.Client the RPC client needs: cache
// resolution plus the invalidate/update hooks driven by FORWARDED replies.
type Resolver interface {
	Resolve(ctx context.Context, id proclet.ID) (controller.NodeAddr, error)
	Invalidate(id proclet.ID)
	Update(id proclet.ID, addr controller.NodeAddr)
}

// Client is the caller-side RPC dispatcher: it resolves a proclet to its
// current owner, obtains a pooled connection, and drives the
// FORWARDED/CLIENT_RETRY recovery so the application caller never
// observes either code.
type Client struct {
	log      hclog.Logger
	cm       *ConnectionManager
	resolver Resolver
	numCores int
}

// NewClient creates an RPC Client.
func NewClient(log hclog.Logger, cm *ConnectionManager, resolver Resolver, numCores int) *Client {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if numCores < 1 {
		numCores = 1
	}
	return &Client{log: log.Named("rpc-client"), cm: cm, resolver: resolver, numCores: numCores}
}

// ErrForwardedLoop is returned if a call keeps getting FORWARDED past the
// retry budget, which signals either a placement storm or a protocol bug;
// either way the caller should treat the result as "unknown".
var ErrForwardedLoop = fmt.Errorf("rpc: exceeded forwarding retry budget")

const maxForwardRetries = 8

// Call invokes method `selector` on proclet `id` with `args`, returning the
// raw reply payload: resolve, dispatch, and transparently retry on
// FORWARDED or CLIENT_RETRY.
func (c *Client) Call(ctx context.Context, core int, id proclet.ID, selector uint64, args []byte) ([]byte, error) {
	for attempt := 0; attempt < maxForwardRetries; attempt++ {
		addr, err := c.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("rpc: resolve proclet %x: %w", uint64(id), err)
		}

		reply, forwardedTo, err := c.callOnce(ctx, core, addr.String(), id, selector, args)
		if err != nil {
			return nil, err
		}
		if forwardedTo == nil {
			metrics.IncrCounter([]string{"rpc", "calls"}, 1)
			return reply, nil
		}

		// FORWARDED: the contacted node no longer owns the proclet.
		// Invalidate the cache and retry, now favoring the address the
		// server told us about directly.
		c.resolver.Invalidate(id)
		c.resolver.Update(id, *forwardedTo)
		metrics.IncrCounter([]string{"rpc", "forwarded"}, 1)
	}
	return nil, ErrForwardedLoop
}

// callOnce issues one attempt against addr, looping internally on
// CLIENT_RETRY with bounded backoff against the same target. It returns a
// non-nil forwardedTo if the server replied FORWARDED.
func (c *Client) callOnce(ctx context.Context, core int, addr string, id proclet.ID, selector uint64, args []byte) ([]byte, *controller.NodeAddr, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	bk := backoff.WithContext(bo, ctx)

	for {
		reply, forwarded, retry, err := c.attempt(ctx, core, addr, id, selector, args)
		if err != nil {
			return nil, nil, err
		}
		if forwarded != nil {
			return nil, forwarded, nil
		}
		if !retry {
			return reply, nil, nil
		}
		metrics.IncrCounter([]string{"rpc", "client_retry"}, 1)
		wait := bk.NextBackOff()
		if wait == backoff.Stop {
			return nil, nil, fmt.Errorf("rpc: exceeded CLIENT_RETRY backoff budget for proclet %x", uint64(id))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (c *Client) attempt(ctx context.Context, core int, addr string, id proclet.ID, selector uint64, args []byte) (reply []byte, forwarded *controller.NodeAddr, retry bool, err error) {
	conn, err := c.cm.Get(core, addr)
	if err != nil {
		return nil, nil, false, err
	}
	defer c.cm.Put(core, addr, conn)

	payload, err := wire.Encode(wire.ProcletCall{ProcletID: uint64(id), Selector: selector, Args: args})
	if err != nil {
		return nil, nil, false, err
	}

	token, fut, err := conn.reserveCredit()
	if err != nil {
		return nil, nil, false, err
	}

	hdr := wire.RequestHeader{Cmd: uint32(wire.CmdCall), Demand: 1, CompletionToken: token}
	if err := writeRequest(conn.raw, hdr, payload); err != nil {
		return nil, nil, false, err
	}

	done, err := fut.Get(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	if done.closed {
		return nil, nil, false, fmt.Errorf("rpc: connection to %s closed mid-call", addr)
	}

	var pr wire.ProcletReply
	if err := wire.Decode(done.resp.Payload, &pr); err != nil {
		return nil, nil, false, err
	}
	switch pr.RC {
	case wire.RCOk:
		return pr.Payload, nil, false, nil
	case wire.RCForwarded:
		fa, err := wire.DecodeForwardAddr(pr.Payload)
		if err != nil {
			return nil, nil, false, err
		}
		na := controller.NodeAddr{IP: ipToString(fa.IP), Port: fa.Port}
		return nil, &na, false, nil
	case wire.RCClientRetry:
		return nil, nil, true, nil
	default:
		return nil, nil, false, fmt.Errorf("rpc: unknown return code %d", pr.RC)
	}
}

func ipToString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
