package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/armon/go-metrics"

	"github.com/proclet-systems/procletd/internal/wire"
)

// Dispatcher is implemented by internal/procletserver: given a decoded
// proclet-control call, run it and produce the reply. Dispatch runs the
// method inline and blocks for as long as the method does (for example
// while it is parked on a procsync lock); Server calls it on a per-request
// goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, call wire.ProcletCall) wire.ProcletReply
}

// Server is the transport-level half of the proclet server: it accepts
// connections, frames requests/responses, and hands each decoded call to a
// Dispatcher, running every request on its own goroutine so one slow
// method never blocks the rest of the flow.
type Server struct {
	log        hclog.Logger
	dispatcher Dispatcher

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
}

// NewServer creates a Server that dispatches decoded requests to d.
func NewServer(log hclog.Logger, d Dispatcher) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{log: log.Named("rpc-server"), dispatcher: d, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on ln until Shutdown is called or Accept fails.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Shutdown closes every accepted connection; in-flight Dispatch calls are
// allowed to finish, since connections are never destroyed mid-use.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	for {
		hdr, payload, err := readRequest(conn)
		if err != nil {
			return
		}
		go s.handleRequest(conn, &writeMu, hdr, payload)
	}
}

func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, hdr wire.RequestHeader, payload []byte) {
	var call wire.ProcletCall
	if err := wire.Decode(payload, &call); err != nil {
		s.log.Error("failed to decode proclet call", "error", err)
		return
	}

	reply := s.dispatcher.Dispatch(context.Background(), call)
	metrics.IncrCounter([]string{"rpc", "server_dispatch"}, 1)

	replyPayload, err := wire.Encode(reply)
	if err != nil {
		s.log.Error("failed to encode proclet reply", "error", err)
		return
	}

	respHdr := wire.ResponseHeader{
		Cmd:             hdr.Cmd,
		Credits:         InitialCreditWindow,
		CompletionToken: hdr.CompletionToken,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeResponse(conn, respHdr, replyPayload); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
