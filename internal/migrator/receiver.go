package migrator

import (
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"

	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/slab"
)

func installSlab(buf []byte, usedBytes uint64, numShards int) *slab.Allocator {
	return slab.Import(buf, usedBytes, numShards)
}

// Receiver is the destination side of migration: it accepts migrator-
// protocol sessions and installs the transferred proclet state locally.
type Receiver struct {
	log       hclog.Logger
	manager   *proclet.Manager
	onInstall func(id proclet.ID) // hook for the caller to wake migrated threads
}

// NewReceiver creates a Receiver. onInstall, if non-nil, is called once a
// proclet has been published PRESENT locally: waking the migrated threads
// happens at the destination after the install ACK is sent.
func NewReceiver(log hclog.Logger, manager *proclet.Manager, onInstall func(id proclet.ID)) *Receiver {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Receiver{log: log.Named("migrator-receiver"), manager: manager, onInstall: onInstall}
}

// Serve accepts migrator-protocol connections on ln until it errors.
func (r *Receiver) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go r.handleConn(conn)
	}
}

func (r *Receiver) handleConn(conn net.Conn) {
	session, err := yamux.Server(conn, nil)
	if err != nil {
		r.log.Error("yamux server handshake failed", "error", err)
		conn.Close()
		return
	}
	defer session.Close()

	hdrStream, err := session.Accept()
	if err != nil {
		r.log.Error("accept header stream failed", "error", err)
		return
	}
	slabStream, err := session.Accept()
	if err != nil {
		r.log.Error("accept slab stream failed", "error", err)
		return
	}
	threadStream, err := session.Accept()
	if err != nil {
		r.log.Error("accept thread stream failed", "error", err)
		return
	}

	if err := r.install(hdrStream, slabStream, threadStream); err != nil {
		r.log.Error("install failed", "error", err)
		hdrStream.Write([]byte{ackFail})
		return
	}
}

const ackFail byte = 0

func (r *Receiver) install(hdrStream, slabStream, threadStream net.Conn) error {
	var hdr Header
	if err := readFramed(hdrStream, &hdr); err != nil {
		return fmt.Errorf("migrator: read header: %w", err)
	}

	buf := make([]byte, proclet.HeapWindowBytes)
	if hdr.HeapUsedBytes > uint64(len(buf)) {
		return fmt.Errorf("migrator: transferred slab (%d bytes) exceeds heap window", hdr.HeapUsedBytes)
	}
	if _, err := readExactly(slabStream, buf[:hdr.HeapUsedBytes]); err != nil {
		return fmt.Errorf("migrator: read slab bytes: %w", err)
	}

	var threads ThreadsPayload
	if err := readFramed(threadStream, &threads); err != nil {
		return fmt.Errorf("migrator: read thread table: %w", err)
	}

	slabAlloc := installSlab(buf, hdr.HeapUsedBytes, hdr.NumShards)
	header := proclet.NewHeaderFromTransfer(
		proclet.ID(hdr.ProcletID),
		slabAlloc,
		hdr.NumShards,
		hdr.Pinned,
		threads.ThreadIDs,
		fromWireSyncerKeys(threads.BlockedSyncers),
	)
	header.Clock.AdjustForMigration(hdr.SourcePhysicalAtSendUs)
	for _, deadline := range hdr.TimerDeadlinesUs {
		header.Clock.RegisterTimer(deadline, func() {})
	}

	r.manager.Construct(proclet.ID(hdr.ProcletID), header)

	if _, err := hdrStream.Write([]byte{ackOK}); err != nil {
		return fmt.Errorf("migrator: send ack: %w", err)
	}

	if r.onInstall != nil {
		r.onInstall(proclet.ID(hdr.ProcletID))
	}
	return nil
}

func readExactly(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
