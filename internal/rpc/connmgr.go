// Package rpc implements the per-core-cached connection manager and the
// credit-based RPC client/server framing.
package rpc

import (
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/proclet-systems/procletd/internal/future"
)

// DialFunc opens a new transport connection to addr. Production callers
// pass net.Dial (or a core-affine DialAffinity variant on a cooperative
// thread+TCP substrate); tests pass a fake.
type DialFunc func(addr string) (net.Conn, error)

const (
	// defaultBatchSize is how many new connections Get() opens at once
	// when both the per-core cache and the global pool are empty.
	defaultBatchSize = 4
	// defaultWatermark is the per-core cache size above which Put() spills
	// half back to the global pool.
	defaultWatermark = 8
)

// completion is what a pending call's future.Promise delivers: either the
// decoded response, or closed=true if the connection was torn down with the
// call still outstanding.
type completion struct {
	resp   Response
	closed bool
}

// Conn is one pooled transport connection plus its RPC flow state: the
// credit window, the completion-token sequence, and the in-flight request
// table used to route responses back to their caller.
type Conn struct {
	ID      string // debug correlation id (hashicorp/go-uuid), not on the wire
	raw     net.Conn
	addr    string
	log     hclog.Logger

	mu          sync.Mutex
	nextToken   uint64
	sent        uint64
	recvd       uint64
	credits     uint64 // initial window: InitialCreditWindow
	pending     map[uint64]*future.Promise[completion]
	closed      bool
	readerOnce  sync.Once
	readerErrCh chan error
}

func newConn(raw net.Conn, addr string, log hclog.Logger) *Conn {
	id, _ := uuid.GenerateUUID()
	return &Conn{
		ID:          id,
		raw:         raw,
		addr:        addr,
		log:         log,
		credits:     InitialCreditWindow,
		pending:     make(map[uint64]*future.Promise[completion]),
		readerErrCh: make(chan error, 1),
	}
}

// InitialCreditWindow is the per-flow credit window, fixed at 128: new
// calls may only be emitted while sent - recv < credits.
const InitialCreditWindow = 128

// reserveCredit reserves room for one more in-flight call when the flow has
// any, together with a fresh completion token and the future.Future the
// caller waits on for the matching response. It never blocks: a full window
// returns ErrNoCredit at once.
func (c *Conn) reserveCredit() (token uint64, fut *future.Future[completion], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, fmt.Errorf("rpc: connection to %s is closed", c.addr)
	}
	if c.sent-c.recvd >= c.credits {
		return 0, nil, ErrNoCredit
	}
	c.nextToken++
	token = c.nextToken
	c.sent++
	p, f := future.New[completion]()
	c.pending[token] = p
	return token, f, nil
}

// ErrNoCredit is returned by reserveCredit when the flow's in-flight window
// is full; callers should retry once credits free up (a response arrives)
// or fall back to a different pooled connection.
var ErrNoCredit = fmt.Errorf("rpc: no credit available on flow")

func (c *Conn) completeResponse(resp Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.CompletionToken]
	if ok {
		delete(c.pending, resp.CompletionToken)
		c.recvd++
		c.credits = uint64(resp.Credits)
	}
	c.mu.Unlock()
	if ok {
		p.Complete(completion{resp: resp})
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.raw.Close()
	for _, p := range pending {
		p.Complete(completion{closed: true})
	}
}

// coreCache is one core's private free list of idle connections to a given
// address.
type coreCache struct {
	mu    sync.Mutex
	conns map[string][]*Conn
}

// ConnectionManager maintains per-core caches of connections, backed by a
// global spillover pool.
type ConnectionManager struct {
	log       hclog.Logger
	dial      DialFunc
	batchSize int
	watermark int

	perCore []coreCache

	globalMu sync.Mutex
	global   map[string][]*Conn
}

// New creates a ConnectionManager with numCores per-core caches.
func New(log hclog.Logger, dial DialFunc, numCores int) *ConnectionManager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if numCores < 1 {
		numCores = 1
	}
	cm := &ConnectionManager{
		log:       log.Named("connmgr"),
		dial:      dial,
		batchSize: defaultBatchSize,
		watermark: defaultWatermark,
		perCore:   make([]coreCache, numCores),
		global:    make(map[string][]*Conn),
	}
	for i := range cm.perCore {
		cm.perCore[i].conns = make(map[string][]*Conn)
	}
	return cm
}

// Get returns a connection to addr owned by the caller until Put, refilling
// from the global pool (and, failing that, dialing a fresh batch).
func (cm *ConnectionManager) Get(core int, addr string) (*Conn, error) {
	core %= len(cm.perCore)
	pc := &cm.perCore[core]

	pc.mu.Lock()
	if lst := pc.conns[addr]; len(lst) > 0 {
		c := lst[len(lst)-1]
		pc.conns[addr] = lst[:len(lst)-1]
		pc.mu.Unlock()
		return c, nil
	}
	pc.mu.Unlock()

	cm.globalMu.Lock()
	if lst := cm.global[addr]; len(lst) > 0 {
		c := lst[len(lst)-1]
		cm.global[addr] = lst[:len(lst)-1]
		cm.globalMu.Unlock()
		return c, nil
	}
	cm.globalMu.Unlock()

	if err := cm.Reserve(addr, cm.batchSize); err != nil {
		return nil, err
	}

	cm.globalMu.Lock()
	lst := cm.global[addr]
	if len(lst) == 0 {
		cm.globalMu.Unlock()
		return nil, fmt.Errorf("rpc: failed to refill connections to %s", addr)
	}
	c := lst[len(lst)-1]
	cm.global[addr] = lst[:len(lst)-1]
	cm.globalMu.Unlock()
	return c, nil
}

// Put returns c to the calling core's cache; if that cache exceeds the
// watermark, half its contents spill to the global pool.
func (cm *ConnectionManager) Put(core int, addr string, c *Conn) {
	core %= len(cm.perCore)
	pc := &cm.perCore[core]

	pc.mu.Lock()
	pc.conns[addr] = append(pc.conns[addr], c)
	if len(pc.conns[addr]) > cm.watermark {
		lst := pc.conns[addr]
		half := lst[:len(lst)/2]
		pc.conns[addr] = lst[len(lst)/2:]
		pc.mu.Unlock()

		cm.globalMu.Lock()
		cm.global[addr] = append(cm.global[addr], half...)
		cm.globalMu.Unlock()
		return
	}
	pc.mu.Unlock()
}

// Reserve eagerly opens n connections to addr into the global pool.
func (cm *ConnectionManager) Reserve(addr string, n int) error {
	fresh := make([]*Conn, 0, n)
	for i := 0; i < n; i++ {
		raw, err := cm.dial(addr)
		if err != nil {
			return fmt.Errorf("rpc: dial %s: %w", addr, err)
		}
		c := newConn(raw, addr, cm.log)
		c.startReader()
		fresh = append(fresh, c)
	}
	cm.globalMu.Lock()
	cm.global[addr] = append(cm.global[addr], fresh...)
	cm.globalMu.Unlock()
	return nil
}

// Shutdown closes every pooled connection. Connections are never destroyed
// mid-use; this is only safe to call once no Call is outstanding.
func (cm *ConnectionManager) Shutdown() {
	for i := range cm.perCore {
		cm.perCore[i].mu.Lock()
		for _, lst := range cm.perCore[i].conns {
			for _, c := range lst {
				c.close()
			}
		}
		cm.perCore[i].mu.Unlock()
	}
	cm.globalMu.Lock()
	for _, lst := range cm.global {
		for _, c := range lst {
			c.close()
		}
	}
	cm.globalMu.Unlock()
}
