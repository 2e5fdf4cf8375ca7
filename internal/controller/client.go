package controller

import (
	"context"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/proclet-systems/procletd/internal/proclet"
)

// Service is the set of controller operations a ControllerClient consults.
// In-process tests and single-node setups pass a *Controller directly;
// multi-node deployments pass a *TransportClient that forwards each call
// over TCP to the controller's listener.
type Service interface {
	AllocateProclet(lpid uint64, ipHint string) (proclet.ID, NodeAddr, error)
	DestroyProclet(id proclet.ID) error
	ResolveProclet(id proclet.ID) (NodeAddr, bool)
	UpdateLocation(id proclet.ID, addr NodeAddr) error
	GetMigrationDest(lpid uint64, requestorIP string, resource Resource) (NodeAddr, bool)
}

// Registerer is Service plus RegisterNode, the one call a node issues a
// single time at startup rather than on every proclet operation; kept
// separate from Service so ControllerClient's cached operations don't need
// to know about it.
type Registerer interface {
	Service
	RegisterNode(node NodeAddr, lpidHint uint64, buildMD5 [16]byte) (lpid uint64, stackClusterBase uint64, err error)
}

// Client is the ControllerClient: it caches resolutions and invalidates on
// a stale hit (a FORWARDED response observed by the RPC layer), re-resolving
// through the controller.
type Client struct {
	log hclog.Logger
	svc Service

	mu    sync.Mutex
	cache *radix.Tree // proclet ID bytes -> NodeAddr
}

// NewClient creates a ControllerClient backed by svc.
func NewClient(log hclog.Logger, svc Service) *Client {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Client{
		log:   log.Named("controller-client"),
		svc:   svc,
		cache: radix.New(),
	}
}

// Resolve returns the cached node for id if present, otherwise consults the
// controller and populates the cache.
func (c *Client) Resolve(ctx context.Context, id proclet.ID) (NodeAddr, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(idKey(id)); ok {
		c.mu.Unlock()
		return v.(NodeAddr), nil
	}
	c.mu.Unlock()

	addr, err := c.resolveWithBackoff(ctx, id)
	if err != nil {
		return NodeAddr{}, err
	}
	c.mu.Lock()
	c.cache.Insert(idKey(id), addr)
	c.mu.Unlock()
	return addr, nil
}

// Invalidate drops id's cached resolution; called by the RPC layer on a
// FORWARDED response so the next Resolve call re-consults the controller.
func (c *Client) Invalidate(id proclet.ID) {
	c.mu.Lock()
	c.cache.Delete(idKey(id))
	c.mu.Unlock()
}

// Update installs addr as the cached resolution directly (used right after
// a migration cutover by the node performing the migration, which already
// knows the new address and shouldn't need a round trip to learn it).
func (c *Client) Update(id proclet.ID, addr NodeAddr) {
	c.mu.Lock()
	c.cache.Insert(idKey(id), addr)
	c.mu.Unlock()
}

func (c *Client) resolveWithBackoff(ctx context.Context, id proclet.ID) (NodeAddr, error) {
	var addr NodeAddr
	op := func() error {
		a, ok := c.svc.ResolveProclet(id)
		if !ok {
			return errRetryResolve
		}
		addr = a
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return NodeAddr{}, err
	}
	return addr, nil
}

var errRetryResolve = &retryableErr{"controller: proclet not yet resolvable"}

type retryableErr struct{ msg string }

func (e *retryableErr) Error() string { return e.msg }

// AllocateProclet, DestroyProclet, UpdateLocation, GetMigrationDest pass
// straight through to the backing Service; they are not cached because
// they are either one-shot (allocate/destroy) or always need a fresh
// placement decision (migration dest).
func (c *Client) AllocateProclet(lpid uint64, ipHint string) (proclet.ID, NodeAddr, error) {
	return c.svc.AllocateProclet(lpid, ipHint)
}

func (c *Client) DestroyProclet(id proclet.ID) error {
	c.mu.Lock()
	c.cache.Delete(idKey(id))
	c.mu.Unlock()
	return c.svc.DestroyProclet(id)
}

func (c *Client) UpdateLocation(id proclet.ID, addr NodeAddr) error {
	return c.svc.UpdateLocation(id, addr)
}

func (c *Client) GetMigrationDest(lpid uint64, requestorIP string, resource Resource) (NodeAddr, bool) {
	return c.svc.GetMigrationDest(lpid, requestorIP, resource)
}

// backoffFloor is a 10 ms retry interval. resolveWithBackoff does not use
// it and keeps cenkalti/backoff's default initial interval.
const backoffFloor = 10 * time.Millisecond
