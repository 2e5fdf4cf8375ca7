// Package procletserver implements the server-side dispatch for proclet
// calls: the construct/update_ref_cnt control handlers plus the registered-
// method invocation path, satisfying rpc.Dispatcher.
package procletserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/migrategate"
	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/stack"
	"github.com/proclet-systems/procletd/internal/wire"
)

// Method is one registered proclet method: given the target proclet's
// header and the msgpack-decoded argument bytes, run it and return a
// msgpack-encodable result. Methods that need to yield (Time.Delay,
// Mutex.Lock, ...) do so by blocking inside this call; the migrator may
// relocate the owning thread while it's parked.
//
// Dynamic dispatch by raw function pointer doesn't survive a process
// restart or cross-language boundary, so methods are looked up through a
// registered symbol table instead; Method/Registry is that table.
type Method func(ctx context.Context, h *proclet.Header, args []byte) ([]byte, error)

// Selectors below SelectorUserBase are reserved control operations
// (construct, update_ref_cnt); application methods register at
// SelectorUserBase and above.
const (
	SelectorConstruct    uint64 = 0
	SelectorUpdateRefCnt uint64 = 1
	SelectorUserBase     uint64 = 2
)

// ConstructArgs is the msgpack body of a construct call.
type ConstructArgs struct {
	Pinned   bool
	HeapSize uint64
}

// UpdateRefCntArgs is the msgpack body of an update_ref_cnt call.
type UpdateRefCntArgs struct {
	Delta int64
}

// Registry is a selector -> Method table, safe for concurrent registration
// and lookup.
type Registry struct {
	mu      sync.RWMutex
	methods map[uint64]Method
}

// NewRegistry creates an empty method Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[uint64]Method)}
}

// Register installs fn under selector. Re-registering a selector replaces
// the previous method, which is convenient for tests but callers should
// otherwise treat selectors as assigned once at startup.
func (r *Registry) Register(selector uint64, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[selector] = fn
}

func (r *Registry) lookup(selector uint64) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.methods[selector]
	return fn, ok
}

// Server dispatches incoming proclet calls against the local Manager.
type Server struct {
	log        hclog.Logger
	manager    *proclet.Manager
	stacks     *stack.Cluster
	registry   *Registry
	resolver   *controller.Client
	numShards  int
	nextThread atomic.Uint64
}

// New creates a Server. stacks is the local node's stack cluster for the
// lpid it participates in (a node participates in exactly one lpid);
// resolver is
// consulted to build a FORWARDED reply when a call arrives for a proclet
// this node no longer (or never did) host. resolver may be nil, in which
// case unresolvable proclets get CLIENT_RETRY instead of FORWARDED.
func New(log hclog.Logger, manager *proclet.Manager, stacks *stack.Cluster, registry *Registry, resolver *controller.Client, numShards int) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if numShards < 1 {
		numShards = 1
	}
	return &Server{
		log:       log.Named("procletserver"),
		manager:   manager,
		stacks:    stacks,
		registry:  registry,
		resolver:  resolver,
		numShards: numShards,
	}
}

// Dispatch implements rpc.Dispatcher, running the full construct/lookup/
// invoke/reply sequence for one incoming call.
func (s *Server) Dispatch(ctx context.Context, call wire.ProcletCall) wire.ProcletReply {
	id := proclet.ID(call.ProcletID)

	switch call.Selector {
	case SelectorConstruct:
		return s.construct(id, call.Args)
	case SelectorUpdateRefCnt:
		return s.updateRefCnt(id, call.Args)
	}

	entry, ok := s.manager.Lookup(id)
	if !ok {
		return s.notPresentReply(id)
	}
	switch entry.Status {
	case proclet.StatusMigrating:
		return wire.ProcletReply{RC: wire.RCClientRetry}
	case proclet.StatusAbsent:
		return s.notPresentReply(id)
	}

	method, ok := s.registry.lookup(call.Selector)
	if !ok {
		s.log.Error("no method registered for selector", "selector", call.Selector)
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}

	// Spawn a fresh "user thread" on a stack drawn from the per-lpid
	// StackAllocator, and enter the migration-disabled region.
	threadID := s.nextThread.Add(1)
	shard := int(threadID) % s.numShards
	var stackOff uint64
	if s.stacks != nil {
		off, err := s.stacks.Allocate()
		if err != nil {
			s.log.Error("stack cluster exhausted", "error", err)
			return wire.ProcletReply{RC: wire.RCClientRetry}
		}
		stackOff = off
		defer s.stacks.Free(stackOff)
	}

	entry.Header.EnterThread(threadID, shard)
	methodCtx := migrategate.WithGate(ctx, entry.Header, threadID, shard)
	result, err := method(methodCtx, entry.Header, call.Args)
	entry.Header.LeaveThread(threadID, shard)

	if err != nil {
		s.log.Error("method invocation failed", "proclet", id, "selector", call.Selector, "error", err)
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}

	// The thread may have been migrated out while parked inside the method
	// (a yield point); if the proclet is no longer local by the time the
	// call returns, the reply must be FORWARDED rather than OK so the
	// client re-dials the destination rather than trusting this node's
	// answer as authoritative.
	if _, stillLocal := s.manager.Lookup(id); !stillLocal {
		return s.notPresentReply(id)
	}

	return wire.ProcletReply{RC: wire.RCOk, Payload: result}
}

// construct handles the `construct(id, pinned, args...)` control call: map
// the proclet heap, initialize the header and slab, and publish PRESENT.
func (s *Server) construct(id proclet.ID, payload []byte) wire.ProcletReply {
	var args ConstructArgs
	if err := wire.Decode(payload, &args); err != nil {
		s.log.Error("construct: bad args", "error", err)
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}
	size := args.HeapSize
	if size == 0 {
		size = proclet.HeapWindowBytes
	}
	buf := make([]byte, size)
	header := proclet.NewHeader(id, buf, s.numShards, args.Pinned)
	// Publishing happens under Manager's write lock, which is the release
	// barrier relative to the header initialization above.
	s.manager.Construct(id, header)
	return wire.ProcletReply{RC: wire.RCOk}
}

// updateRefCnt handles the `update_ref_cnt(id, delta)` control call.
func (s *Server) updateRefCnt(id proclet.ID, payload []byte) wire.ProcletReply {
	var args UpdateRefCntArgs
	if err := wire.Decode(payload, &args); err != nil {
		s.log.Error("update_ref_cnt: bad args", "error", err)
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}

	entry, ok := s.manager.Lookup(id)
	if !ok {
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}

	_, hitZero := entry.Header.AddRef(args.Delta)
	if !hitZero {
		return wire.ProcletReply{RC: wire.RCOk}
	}

	if !s.manager.TryDestroy(id) {
		// Migrating: the destination will own the decision once cutover
		// completes. The caller retries.
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}
	if s.resolver != nil {
		if err := s.resolver.DestroyProclet(id); err != nil {
			s.log.Error("update_ref_cnt: destroy_proclet", "proclet", id, "error", err)
		}
	}
	return wire.ProcletReply{RC: wire.RCOk}
}

// notPresentReply builds the reply for a proclet this node doesn't
// currently host: FORWARDED with the known new address if the resolver can
// find one, else CLIENT_RETRY.
func (s *Server) notPresentReply(id proclet.ID) wire.ProcletReply {
	if s.resolver == nil {
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}
	addr, err := s.resolver.Resolve(context.Background(), id)
	if err != nil {
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}
	ip, err := ipv4ToUint32(addr.IP)
	if err != nil {
		s.log.Error("forward address is not IPv4", "addr", addr, "error", err)
		return wire.ProcletReply{RC: wire.RCClientRetry}
	}
	fa := wire.ForwardAddr{IP: ip, Port: addr.Port}
	return wire.ProcletReply{RC: wire.RCForwarded, Payload: wire.EncodeForwardAddr(fa)}
}

func ipv4ToUint32(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("procletserver: invalid IP %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("procletserver: %q is not an IPv4 address", ip)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}
