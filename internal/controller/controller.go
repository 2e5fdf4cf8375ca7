// Package controller implements the single-writer Controller and the
// ControllerClient that consults it: proclet ID/lpid allocation, the
// proclet -> node directory, and migration-destination placement.
package controller

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/armon/go-radix"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"

	"github.com/proclet-systems/procletd/internal/proclet"
)

// eventDelegate implements memberlist.EventDelegate, pruning a node's
// placement candidacy the moment the gossip layer reports it gone. This is
// how GetMigrationDest learns about dead peers faster than waiting for an
// RPC dial to that peer to time out.
type eventDelegate struct {
	controller *Controller
}

func (d *eventDelegate) NotifyJoin(*memberlist.Node) {}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	d.controller.PruneDeadNode(n.Addr.String())
}

func (d *eventDelegate) NotifyUpdate(*memberlist.Node) {}

var (
	ErrNoFreeHeapWindow  = errors.New("controller: no free heap window")
	ErrNoFreeLpid        = errors.New("controller: no free lpid")
	ErrMD5Mismatch       = errors.New("controller: md5 mismatch for lpid")
	ErrUnknownProclet    = errors.New("controller: unknown proclet")
	ErrNotMember         = errors.New("controller: node is not a member of lpid")
	ErrNoMigrationDest   = errors.New("controller: no migration destination available")
)

// NodeAddr is a server's RPC endpoint. MigratorPort, if set, is the same
// node's migrator-protocol listener (internal/migrator.Receiver); it rides
// alongside Port in the directory so GetMigrationDest's result can be
// dialed directly without a second lookup. Tests that only ever stand up
// one listener per node leave it zero and rely on MigratorAddr falling
// back to Port.
type NodeAddr struct {
	IP           string
	Port         uint16
	MigratorPort uint16
}

func (a NodeAddr) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// MigratorAddr is the address migrator.Migrator dials to reach this node's
// migrator-protocol listener.
func (a NodeAddr) MigratorAddr() string {
	port := a.MigratorPort
	if port == 0 {
		port = a.Port
	}
	return fmt.Sprintf("%s:%d", a.IP, port)
}

// Resource is the placement/migration sizing hint carried by
// allocate_proclet (ip_hint) and get_migration_dest.
type Resource struct {
	Cores  int
	MemMBs int
}

// lpidInfo tracks the member nodes of one logical process and a
// round-robin placement cursor.
type lpidInfo struct {
	md5     [16]byte
	members []NodeAddr
	cursor  int

	// stackClusterBase is the lpid's stack-cluster window, shared by every
	// member node.
	stackClusterBase uint64
}

// Controller is the single-writer directory and placement service. All
// mutation is serialized through mu; clients reach it either in process
// (a *Controller used directly as a Service) or over TCP through
// TransportServer.
type Controller struct {
	log hclog.Logger

	mu sync.Mutex

	objs *radix.Tree // proclet ID bytes -> NodeAddr

	freeHeapSegments         []proclet.ID // stack of free 1 GiB VA windows
	nextHeapSegment          proclet.ID
	freeStackClusterSegments map[uint64][]uint64 // per lpid, stack of free stack-cluster windows
	nextStackClusterSegment  uint64

	freeLpids  []uint64
	nextLpid   uint64
	lpidToInfo map[uint64]*lpidInfo

	ml *memberlist.Memberlist // optional: cluster membership/failure detection
}

// baseHeapVA is the start of the cluster-wide proclet-heap address space;
// windows are carved out in HeapWindowBytes strides so that a proclet's
// pointers remain valid cluster-wide.
const baseHeapVA = proclet.ID(0x7f0000000000)

const baseStackClusterVA = uint64(0x600000000000)

// New creates an empty Controller. ml, if non-nil, is a memberlist cluster
// the controller uses to detect dead nodes and prune them from placement
// candidates, instead of relying purely on RPC-timeout based recovery.
func New(log hclog.Logger, ml *memberlist.Memberlist) *Controller {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Controller{
		log:                      log.Named("controller"),
		objs:                     radix.New(),
		nextHeapSegment:          baseHeapVA,
		freeStackClusterSegments: make(map[uint64][]uint64),
		nextStackClusterSegment:  baseStackClusterVA,
		lpidToInfo:               make(map[uint64]*lpidInfo),
		ml:                       ml,
	}
}

func idKey(id proclet.ID) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return string(b[:])
}

// RegisterNode assigns a fresh lpid when lpidHint is zero; otherwise the
// caller's md5 must match the registered one for that lpid (refusing
// cross-build mingling). A fresh per-lpid stack-cluster window is
// allocated the first time an lpid is seen.
func (c *Controller) RegisterNode(node NodeAddr, lpidHint uint64, buildMD5 [16]byte) (lpid uint64, stackClusterBase uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lpidHint == 0 {
		if len(c.freeLpids) > 0 {
			n := len(c.freeLpids) - 1
			lpid = c.freeLpids[n]
			c.freeLpids = c.freeLpids[:n]
		} else {
			c.nextLpid++
			lpid = c.nextLpid
		}
	} else {
		lpid = lpidHint
		if info, ok := c.lpidToInfo[lpid]; ok {
			if info.md5 != buildMD5 {
				return 0, 0, ErrMD5Mismatch
			}
		}
	}

	info, ok := c.lpidToInfo[lpid]
	if !ok {
		info = &lpidInfo{md5: buildMD5, stackClusterBase: c.nextStackClusterSegment}
		c.lpidToInfo[lpid] = info

		stackClusterBase = info.stackClusterBase
		c.nextStackClusterSegment += 1 << 34 // 16 GiB per lpid stack cluster
	} else {
		// Idempotent re-registration of an already-known lpid, or another
		// node joining it, returns the lpid's stack-cluster base.
		stackClusterBase = info.stackClusterBase
		for _, m := range info.members {
			if m == node {
				return lpid, stackClusterBase, nil
			}
		}
	}

	info.members = append(info.members, node)
	c.log.Info("node registered", "node", node.String(), "lpid", lpid)
	return lpid, stackClusterBase, nil
}

// AllocateProclet pops a free 1 GiB window and chooses a placement node.
func (c *Controller) AllocateProclet(lpid uint64, ipHint string) (proclet.ID, NodeAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.lpidToInfo[lpid]
	if !ok || len(info.members) == 0 {
		return 0, NodeAddr{}, ErrNotMember
	}

	var node NodeAddr
	if ipHint != "" {
		found := false
		for _, m := range info.members {
			if m.IP == ipHint {
				node = m
				found = true
				break
			}
		}
		if !found {
			return 0, NodeAddr{}, ErrNotMember
		}
	} else {
		node = info.members[info.cursor%len(info.members)]
		info.cursor++
	}

	id, err := c.popHeapWindowLocked()
	if err != nil {
		return 0, NodeAddr{}, err
	}

	c.objs.Insert(idKey(id), node)
	return id, node, nil
}

func (c *Controller) popHeapWindowLocked() (proclet.ID, error) {
	if n := len(c.freeHeapSegments); n > 0 {
		id := c.freeHeapSegments[n-1]
		c.freeHeapSegments = c.freeHeapSegments[:n-1]
		return id, nil
	}
	id := c.nextHeapSegment
	c.nextHeapSegment += proclet.HeapWindowBytes
	return id, nil
}

// DestroyProclet releases the window back to the free stack.
func (c *Controller) DestroyProclet(id proclet.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objs.Delete(idKey(id)); !ok {
		return ErrUnknownProclet
	}
	c.freeHeapSegments = append(c.freeHeapSegments, id)
	return nil
}

// ResolveProclet performs a directory lookup.
func (c *Controller) ResolveProclet(id proclet.ID) (NodeAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.objs.Get(idKey(id))
	if !ok {
		return NodeAddr{}, false
	}
	return v.(NodeAddr), true
}

// UpdateLocation is the migration cutover that repoints the directory
// entry at the new owner.
func (c *Controller) UpdateLocation(id proclet.ID, addr NodeAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objs.Get(idKey(id)); !ok {
		return ErrUnknownProclet
	}
	c.objs.Insert(idKey(id), addr)
	return nil
}

// GetMigrationDest's default placement policy is first-fit among lpid
// peers excluding the requestor. Dead peers (per memberlist, if
// configured) are skipped.
func (c *Controller) GetMigrationDest(lpid uint64, requestorIP string, _ Resource) (NodeAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.lpidToInfo[lpid]
	if !ok {
		return NodeAddr{}, false
	}
	for _, m := range info.members {
		if m.IP == requestorIP {
			continue
		}
		if c.ml != nil && !c.isAliveLocked(m) {
			continue
		}
		return m, true
	}
	return NodeAddr{}, false
}

func (c *Controller) isAliveLocked(n NodeAddr) bool {
	for _, member := range c.ml.Members() {
		if member.Addr.String() == n.IP {
			return true
		}
	}
	return false
}

// PruneDeadNode removes a node reported dead by memberlist from every lpid
// it belongs to, so future get_migration_dest calls never pick it.
func (c *Controller) PruneDeadNode(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range c.lpidToInfo {
		kept := info.members[:0]
		for _, m := range info.members {
			if m.IP != ip {
				kept = append(kept, m)
			}
		}
		info.members = kept
	}
	c.log.Warn("pruned dead node from placement candidates", "ip", ip)
}

// AttachMemberlist installs ml as the Controller's liveness source. Once
// attached, GetMigrationDest skips peers ml no longer considers alive, and
// the delegate ml was created with (see NewMemberlist) prunes peers on
// NodeLeave.
func (c *Controller) AttachMemberlist(ml *memberlist.Memberlist) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ml = ml
}

// NewMemberlist creates and attaches a gossip cluster for ctrl: it binds a
// memberlist.Memberlist on bindAddr:bindPort, wires its event delegate to
// prune ctrl's placement candidates on NodeLeave, joins the given seed
// addresses (if any), and attaches the result to ctrl before returning.
func NewMemberlist(log hclog.Logger, ctrl *Controller, bindAddr string, bindPort int, join []string) (*memberlist.Memberlist, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = fmt.Sprintf("%s:%d", bindAddr, bindPort)
	mlCfg.BindAddr = bindAddr
	mlCfg.BindPort = bindPort
	mlCfg.AdvertiseAddr = bindAddr
	mlCfg.AdvertisePort = bindPort
	mlCfg.Events = &eventDelegate{controller: ctrl}
	mlCfg.LogOutput = log.Named("memberlist").StandardWriter(&hclog.StandardLoggerOptions{})

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("controller: create memberlist: %w", err)
	}
	if len(join) > 0 {
		if _, err := ml.Join(join); err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("controller: join memberlist cluster: %w", err)
		}
	}
	ctrl.AttachMemberlist(ml)
	return ml, nil
}

// BuildMD5 computes the binary build-consistency hash carried by
// register_node, over the caller-supplied build identifier (e.g. the
// binary's own digest or a version string), used to refuse cross-build
// mingling.
func BuildMD5(buildID []byte) [16]byte {
	return md5.Sum(buildID)
}
