// Package runtime implements the process-wide Runtime singleton: it wires
// every core subsystem in order (slab -> heap manager -> controller client
// -> RPC manager -> proclet server -> migrator -> pressure handler) and
// exposes the application-facing make_proclet/attach operations.
package runtime

import (
	"context"
	"fmt"
	"net"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/run"

	"github.com/proclet-systems/procletd/internal/config"
	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/iokernel"
	"github.com/proclet-systems/procletd/internal/migrator"
	"github.com/proclet-systems/procletd/internal/pressure"
	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/procletserver"
	"github.com/proclet-systems/procletd/internal/rpc"
	"github.com/proclet-systems/procletd/internal/slab"
	"github.com/proclet-systems/procletd/internal/stack"
	"github.com/proclet-systems/procletd/internal/wire"
)

// DialFunc opens a raw transport connection; production callers pass
// net.Dial (or a core-affine DialAffinity variant), tests pass a fake.
type DialFunc func(addr string) (net.Conn, error)

// runtimeHeapBytes sizes the process-wide metadata slab: a fixed reserved
// VA window used for internal bookkeeping, distinct from any individual
// proclet's own per-proclet slab.
const runtimeHeapBytes = 64 << 20

// Runtime is the process-wide anchor. One instance exists per server node.
type Runtime struct {
	log hclog.Logger
	cfg *config.Config

	runtimeHeap *slab.Allocator

	manager  *proclet.Manager
	stacks   *stack.Manager
	registry *procletserver.Registry

	controllerSvc    controller.Registerer
	controllerClient *controller.Client
	controllerSrv    *controller.TransportServer // non-nil only if this node hosts the controller

	connMgr       *rpc.ConnectionManager
	rpcClient     *rpc.Client
	procletServer *procletserver.Server
	rpcServer     *rpc.Server

	migrator         *migrator.Migrator
	migratorReceiver *migrator.Receiver

	feed     *iokernel.Feed
	pressure *pressure.Handler

	lpid     uint64
	selfAddr controller.NodeAddr

	rpcLn      net.Listener
	migratorLn net.Listener
}

// Options configures New.
type Options struct {
	Config *config.Config
	Log    hclog.Logger
	Dial   DialFunc
	// BuildMD5 identifies this binary build for register_node's
	// cross-build mingling check.
	BuildMD5 [16]byte
	// Controller, if non-nil, makes this Runtime host the cluster's single
	// controller in-process. Otherwise the Runtime dials cfg.ControllerAddr.
	Controller *controller.Controller
}

// New wires every subsystem in dependency order and registers this node
// with the controller, but does not yet start any listener or background
// loop; call Run for that.
func New(opts Options) (*Runtime, error) {
	log := opts.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("runtime: nil config")
	}
	dial := opts.Dial
	if dial == nil {
		dial = net.Dial
	}

	// 1. slab: the process-wide runtime heap for internal metadata.
	runtimeHeap := slab.New(make([]byte, runtimeHeapBytes), cfg.NumShards)

	// 2. heap manager: the local ProcletManager + per-lpid stack clusters.
	manager := proclet.NewManager()
	stacks := stack.NewManager()

	rpcLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.BindIP, cfg.RPCPort))
	if err != nil {
		return nil, fmt.Errorf("runtime: listen rpc: %w", err)
	}
	migratorLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.BindIP, cfg.MigratorPort))
	if err != nil {
		rpcLn.Close()
		return nil, fmt.Errorf("runtime: listen migrator: %w", err)
	}
	selfPort, err := listenerPort(rpcLn)
	if err != nil {
		rpcLn.Close()
		migratorLn.Close()
		return nil, err
	}
	migratorPort, err := listenerPort(migratorLn)
	if err != nil {
		rpcLn.Close()
		migratorLn.Close()
		return nil, err
	}
	selfAddr := controller.NodeAddr{IP: cfg.BindIP, Port: selfPort, MigratorPort: migratorPort}

	// 3. controller client: either host the controller in-process or dial
	// the remote one over the tagged TCP protocol.
	var svc controller.Registerer
	var controllerSrv *controller.TransportServer
	if opts.Controller != nil {
		svc = opts.Controller
		controllerSrv = controller.NewTransportServer(log, opts.Controller)
		if _, err := controller.NewMemberlist(log, opts.Controller, cfg.BindIP, cfg.Gossip.BindPort, cfg.Gossip.Join); err != nil {
			rpcLn.Close()
			migratorLn.Close()
			return nil, fmt.Errorf("runtime: start memberlist: %w", err)
		}
	} else {
		tc, err := controller.DialTransportClient(dial, cfg.ControllerAddr)
		if err != nil {
			rpcLn.Close()
			migratorLn.Close()
			return nil, fmt.Errorf("runtime: dial controller: %w", err)
		}
		svc = tc
	}
	controllerClient := controller.NewClient(log, svc)

	lpid, stackClusterBase, err := svc.RegisterNode(selfAddr, cfg.LpidHint, opts.BuildMD5)
	if err != nil {
		rpcLn.Close()
		migratorLn.Close()
		return nil, fmt.Errorf("runtime: register_node: %w", err)
	}
	// stackClusterBase is the reserved cluster-wide VA the controller
	// carved out for this lpid; the in-process Cluster below tracks slot
	// capacity against it, not absolute addresses, since this
	// implementation represents stack slots as cluster-relative offsets
	// (internal/stack).
	_ = stackClusterBase
	stacks.Register(stack.NewCluster(lpid, cfg.NumStacksPerCluster, stack.DefaultStackBytes))
	stackCluster, _ := stacks.Cluster(lpid)

	// 4. RPC manager: connection pool, client, and the method registry
	// application code populates via Register.
	connMgr := rpc.New(log, rpc.DialFunc(dial), cfg.NumShards)
	rpcClient := rpc.NewClient(log, connMgr, controllerClient, cfg.NumShards)
	registry := procletserver.NewRegistry()

	// 5. proclet server: dispatch + the TCP Server that frames requests.
	procletServer := procletserver.New(log, manager, stackCluster, registry, controllerClient, cfg.NumShards)
	rpcServer := rpc.NewServer(log, procletServer)

	// 6. migrator.
	mig := migrator.New(log, manager, controllerClient, selfAddr.IP, migrator.DialFunc(dial))
	migratorReceiver := migrator.NewReceiver(log, manager, nil)

	// 7. pressure handler.
	feed := iokernel.New(cfg.Pressure.CPUPressureThreshold, cfg.Pressure.LowMemThresholdMBs)
	pressureHandler := pressure.New(log, pressure.Config{
		Lpid:                     lpid,
		SelfIP:                   selfAddr.IP,
		MinProcletsOnCPUPressure: cfg.Pressure.MinProcletsOnCPUPressure,
		RankingCadence:           cfg.Pressure.RankingCadence,
		PollInterval:             cfg.Pressure.PollInterval,
	}, manager, mig, feed)

	return &Runtime{
		log:              log.Named("runtime"),
		cfg:              cfg,
		runtimeHeap:      runtimeHeap,
		manager:          manager,
		stacks:           stacks,
		registry:         registry,
		controllerSvc:    svc,
		controllerClient: controllerClient,
		controllerSrv:    controllerSrv,
		connMgr:          connMgr,
		rpcClient:        rpcClient,
		procletServer:    procletServer,
		rpcServer:        rpcServer,
		migrator:         mig,
		migratorReceiver: migratorReceiver,
		feed:             feed,
		pressure:         pressureHandler,
		lpid:             lpid,
		selfAddr:         selfAddr,
		rpcLn:            rpcLn,
		migratorLn:       migratorLn,
	}, nil
}

func listenerPort(ln net.Listener) (uint16, error) {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("runtime: listener address is not TCP")
	}
	return uint16(addr.Port), nil
}

// Lpid returns the logical process id this node registered under.
func (r *Runtime) Lpid() uint64 { return r.lpid }

// SelfAddr returns this node's RPC endpoint.
func (r *Runtime) SelfAddr() controller.NodeAddr { return r.selfAddr }

// RegisterMethod installs an application method under selector in the
// process-wide registered-symbol table that dispatch looks methods up
// through. Selectors below procletserver.SelectorUserBase are reserved.
func (r *Runtime) RegisterMethod(selector uint64, fn procletserver.Method) {
	r.registry.Register(selector, fn)
}

// MakeProclet implements the application-facing `make_proclet` call: it
// allocates a fresh proclet ID and placement from the controller, then
// issues the construct control RPC at the chosen node. ipHint, if
// non-empty, pins the allocation to that node's lpid membership slot.
func (r *Runtime) MakeProclet(ctx context.Context, pinned bool, ipHint string) (proclet.ID, error) {
	id, node, err := r.controllerClient.AllocateProclet(r.lpid, ipHint)
	if err != nil {
		metrics.IncrCounter([]string{"runtime", "make_proclet_failed"}, 1)
		return 0, fmt.Errorf("runtime: allocate_proclet: %w", err)
	}
	r.controllerClient.Update(id, node)

	payload, err := wire.Encode(procletserver.ConstructArgs{Pinned: pinned})
	if err != nil {
		return 0, fmt.Errorf("runtime: encode construct args: %w", err)
	}
	if _, err := r.rpcClient.Call(ctx, 0, id, procletserver.SelectorConstruct, payload); err != nil {
		return 0, fmt.Errorf("runtime: construct %x: %w", uint64(id), err)
	}
	metrics.IncrCounter([]string{"runtime", "proclets_created"}, 1)
	return id, nil
}

// Attach implements the `attach` call: it returns a RemUniquePtr-shaped
// handle for an existing proclet id, without allocating anything new.
// Callers are responsible for knowing id actually names a live proclet
// (attach performs no RPC; if it does not, the first Call against id fails
// with the error from resolving id through the controller client).
func (r *Runtime) Attach(id proclet.ID) *proclet.RemUniquePtr {
	return proclet.NewRemUniquePtr(id, 0)
}

// Call invokes an application method on proclet id; it is the low-level
// primitive RemPtr-typed application wrappers build on.
func (r *Runtime) Call(ctx context.Context, core int, id proclet.ID, selector uint64, args []byte) ([]byte, error) {
	return r.rpcClient.Call(ctx, core, id, selector, args)
}

// Migrate forces an immediate migration of proclet id, bypassing the
// pressure handler's ranking (used by tests and by operator tooling).
func (r *Runtime) Migrate(ctx context.Context, id proclet.ID, resource controller.Resource) error {
	return r.migrator.Migrate(ctx, id, r.lpid, resource)
}

// Run starts every listener and background loop together as one oklog/run
// actor group, blocking until ctx is cancelled or any actor returns. When
// the first actor returns, every actor's interrupt function is called in
// the order the actors were added; there is no reverse-order teardown.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		return r.rpcServer.Serve(r.rpcLn)
	}, func(error) {
		r.rpcServer.Shutdown()
	})

	g.Add(func() error {
		return r.migratorReceiver.Serve(r.migratorLn)
	}, func(error) {
		r.migratorLn.Close()
	})

	if r.controllerSrv != nil {
		// The controller's own TCP listener binds alongside the node's RPC
		// listener when this node hosts the controller (single-cluster
		// bring-up / tests); production deployments normally run the
		// controller as a standalone process.
		ctrlLn, err := net.Listen("tcp", fmt.Sprintf("%s:0", r.cfg.BindIP))
		if err != nil {
			return fmt.Errorf("runtime: listen controller transport: %w", err)
		}
		g.Add(func() error {
			return r.controllerSrv.Serve(ctrlLn)
		}, func(error) {
			r.controllerSrv.Shutdown()
			ctrlLn.Close()
		})
	}

	g.Add(func() error {
		r.feed.PollLoop(ctx, r.cfg.Pressure.PollInterval)
		return nil
	}, func(error) { cancel() })

	g.Add(func() error {
		r.pressure.StartAll(ctx)
		r.pressure.Wait()
		return nil
	}, func(error) { cancel() })

	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) { cancel() })

	return g.Run()
}

// Shutdown tears down the connection pool and transport client (if any),
// aggregating errors with go-multierror.
func (r *Runtime) Shutdown() error {
	var result *multierror.Error
	r.connMgr.Shutdown()
	if tc, ok := r.controllerSvc.(*controller.TransportClient); ok {
		if err := tc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
