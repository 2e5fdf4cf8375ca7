package controller

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/wire"
)

// tag identifies one of the controller's tagged RPCs.
type tag uint8

const (
	tagRegisterNode tag = iota
	tagAllocateProclet
	tagDestroyProclet
	tagResolveProclet
	tagUpdateLocation
	tagGetMigrationDest
)

// Every request/response body below is msgpack-coded (internal/wire.Encode/
// Decode), framed behind a single length-prefixed envelope so one TCP
// connection can carry an arbitrary sequence of controller calls. The
// controller sits off the data-plane path of normal RPC calls — only
// cache-miss resolution and placement decisions reach it — so unlike
// internal/rpc this transport has no credit window: call volume is low and
// a simple blocking request/response round trip is the idiomatic fit.

type registerNodeReq struct {
	Node     NodeAddr
	LpidHint uint64
	MD5      [16]byte
}
type registerNodeResp struct {
	Lpid             uint64
	StackClusterBase uint64
}

type allocateProcletReq struct {
	Lpid   uint64
	IPHint string
}
type allocateProcletResp struct {
	ID   proclet.ID
	Node NodeAddr
}

type destroyProcletReq struct{ ID proclet.ID }

type resolveProcletReq struct{ ID proclet.ID }
type resolveProcletResp struct {
	Node  NodeAddr
	Found bool
}

type updateLocationReq struct {
	ID   proclet.ID
	Addr NodeAddr
}

type getMigrationDestReq struct {
	Lpid        uint64
	RequestorIP string
	Resource    Resource
}
type getMigrationDestResp struct {
	Node  NodeAddr
	Found bool
}

// envelope is the single wire frame: a tag byte, an ok byte (request
// envelopes ignore it), an error string (response-only), and the
// msgpack-coded body.
type envelope struct {
	Tag     tag
	OK      bool
	ErrMsg  string
	Payload []byte
}

func writeEnvelope(w io.Writer, e envelope) error {
	body, err := wire.Encode(e)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readEnvelope(r io.Reader) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return envelope{}, err
		}
	}
	var e envelope
	if err := wire.Decode(body, &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}

// TransportServer exposes a *Controller over the tagged TCP protocol so
// peer nodes can reach the single cluster controller.
type TransportServer struct {
	log        hclog.Logger
	controller *Controller

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewTransportServer wraps ctrl for remote access.
func NewTransportServer(log hclog.Logger, ctrl *Controller) *TransportServer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &TransportServer{log: log.Named("controller-transport"), controller: ctrl, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on ln until Shutdown is called or Accept fails.
func (s *TransportServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Shutdown closes every accepted connection.
func (s *TransportServer) Shutdown() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *TransportServer) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		req, err := readEnvelope(conn)
		if err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := writeEnvelope(conn, resp); err != nil {
			return
		}
	}
}

func (s *TransportServer) dispatch(req envelope) envelope {
	switch req.Tag {
	case tagRegisterNode:
		var body registerNodeReq
		if err := wire.Decode(req.Payload, &body); err != nil {
			return errEnvelope(req.Tag, err)
		}
		lpid, base, err := s.controller.RegisterNode(body.Node, body.LpidHint, body.MD5)
		if err != nil {
			return errEnvelope(req.Tag, err)
		}
		return okEnvelope(req.Tag, registerNodeResp{Lpid: lpid, StackClusterBase: base})

	case tagAllocateProclet:
		var body allocateProcletReq
		if err := wire.Decode(req.Payload, &body); err != nil {
			return errEnvelope(req.Tag, err)
		}
		id, node, err := s.controller.AllocateProclet(body.Lpid, body.IPHint)
		if err != nil {
			return errEnvelope(req.Tag, err)
		}
		return okEnvelope(req.Tag, allocateProcletResp{ID: id, Node: node})

	case tagDestroyProclet:
		var body destroyProcletReq
		if err := wire.Decode(req.Payload, &body); err != nil {
			return errEnvelope(req.Tag, err)
		}
		if err := s.controller.DestroyProclet(body.ID); err != nil {
			return errEnvelope(req.Tag, err)
		}
		return okEnvelope(req.Tag, struct{}{})

	case tagResolveProclet:
		var body resolveProcletReq
		if err := wire.Decode(req.Payload, &body); err != nil {
			return errEnvelope(req.Tag, err)
		}
		node, found := s.controller.ResolveProclet(body.ID)
		return okEnvelope(req.Tag, resolveProcletResp{Node: node, Found: found})

	case tagUpdateLocation:
		var body updateLocationReq
		if err := wire.Decode(req.Payload, &body); err != nil {
			return errEnvelope(req.Tag, err)
		}
		if err := s.controller.UpdateLocation(body.ID, body.Addr); err != nil {
			return errEnvelope(req.Tag, err)
		}
		return okEnvelope(req.Tag, struct{}{})

	case tagGetMigrationDest:
		var body getMigrationDestReq
		if err := wire.Decode(req.Payload, &body); err != nil {
			return errEnvelope(req.Tag, err)
		}
		node, found := s.controller.GetMigrationDest(body.Lpid, body.RequestorIP, body.Resource)
		return okEnvelope(req.Tag, getMigrationDestResp{Node: node, Found: found})

	default:
		return errEnvelope(req.Tag, fmt.Errorf("controller: unknown rpc tag %d", req.Tag))
	}
}

func okEnvelope(t tag, v any) envelope {
	payload, err := wire.Encode(v)
	if err != nil {
		return errEnvelope(t, err)
	}
	return envelope{Tag: t, OK: true, Payload: payload}
}

func errEnvelope(t tag, err error) envelope {
	return envelope{Tag: t, OK: false, ErrMsg: err.Error()}
}

// TransportClient implements Service by forwarding every call over one
// persistent TCP connection to the controller's TransportServer: every
// client serializes through TCP requests to the single-writer controller.
type TransportClient struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialTransportClient opens a TransportClient connection to a controller
// listening at addr.
func DialTransportClient(dial func(string) (net.Conn, error), addr string) (*TransportClient, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, fmt.Errorf("controller: dial %s: %w", addr, err)
	}
	return &TransportClient{conn: conn}, nil
}

func (c *TransportClient) roundTrip(t tag, reqBody any, respBody any) error {
	payload, err := wire.Encode(reqBody)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeEnvelope(c.conn, envelope{Tag: t, Payload: payload}); err != nil {
		return err
	}
	resp, err := readEnvelope(c.conn)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("controller: %s", resp.ErrMsg)
	}
	if respBody == nil {
		return nil
	}
	return wire.Decode(resp.Payload, respBody)
}

func (c *TransportClient) RegisterNode(node NodeAddr, lpidHint uint64, buildMD5 [16]byte) (uint64, uint64, error) {
	var resp registerNodeResp
	if err := c.roundTrip(tagRegisterNode, registerNodeReq{Node: node, LpidHint: lpidHint, MD5: buildMD5}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Lpid, resp.StackClusterBase, nil
}

func (c *TransportClient) AllocateProclet(lpid uint64, ipHint string) (proclet.ID, NodeAddr, error) {
	var resp allocateProcletResp
	if err := c.roundTrip(tagAllocateProclet, allocateProcletReq{Lpid: lpid, IPHint: ipHint}, &resp); err != nil {
		return 0, NodeAddr{}, err
	}
	return resp.ID, resp.Node, nil
}

func (c *TransportClient) DestroyProclet(id proclet.ID) error {
	return c.roundTrip(tagDestroyProclet, destroyProcletReq{ID: id}, nil)
}

func (c *TransportClient) ResolveProclet(id proclet.ID) (NodeAddr, bool) {
	var resp resolveProcletResp
	if err := c.roundTrip(tagResolveProclet, resolveProcletReq{ID: id}, &resp); err != nil {
		return NodeAddr{}, false
	}
	return resp.Node, resp.Found
}

func (c *TransportClient) UpdateLocation(id proclet.ID, addr NodeAddr) error {
	return c.roundTrip(tagUpdateLocation, updateLocationReq{ID: id, Addr: addr}, nil)
}

func (c *TransportClient) GetMigrationDest(lpid uint64, requestorIP string, resource Resource) (NodeAddr, bool) {
	var resp getMigrationDestResp
	if err := c.roundTrip(tagGetMigrationDest, getMigrationDestReq{Lpid: lpid, RequestorIP: requestorIP, Resource: resource}, &resp); err != nil {
		return NodeAddr{}, false
	}
	return resp.Node, resp.Found
}

// Close closes the underlying connection.
func (c *TransportClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

var _ Service = (*TransportClient)(nil)
