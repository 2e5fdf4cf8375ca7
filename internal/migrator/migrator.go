// Package migrator implements the live migration protocol: the source-
// side quiesce/transfer/cutover sequence and the destination-side install,
// carried over a yamux-multiplexed connection so the header, slab bytes,
// and thread/blocked-syncer table pipeline independently instead of sharing
// one serial stream.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"

	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/proclet"
	"github.com/proclet-systems/procletd/internal/procsync"
	"github.com/proclet-systems/procletd/internal/slab"
	"github.com/proclet-systems/procletd/internal/wire"
)

// Errors returned by Migrate.
var (
	ErrNoDestination    = errors.New("migrator: no migration destination available")
	ErrNotLocal         = errors.New("migrator: proclet is not local to this node")
	ErrAlreadyMigrating = errors.New("migrator: proclet is already migrating")
)

// Header is the first thing sent on the migrator-protocol connection:
// proclet id, heap bytes in use, thread count, and blocked-syncer count.
type Header struct {
	ProcletID              uint64
	HeapUsedBytes          uint64
	ThreadCount            uint32
	BlockedSyncerCount     uint32
	Pinned                 bool
	NumShards              int
	SourcePhysicalAtSendUs int64
	TimerDeadlinesUs       []int64
}

// ThreadsPayload is the migrator-protocol's third stream: the list of
// registered threads (by id; Go has no saved-register-context to carry, so
// only identity survives) and the blocked-syncer table.
type ThreadsPayload struct {
	ThreadIDs      []uint64
	BlockedSyncers []wireSyncerKey
}

type wireSyncerKey struct {
	Addr uint64
	Kind uint8
}

func toWireSyncerKeys(keys []proclet.SyncerKey) []wireSyncerKey {
	out := make([]wireSyncerKey, len(keys))
	for i, k := range keys {
		out[i] = wireSyncerKey{Addr: uint64(k.Addr), Kind: uint8(k.Kind)}
	}
	return out
}

func fromWireSyncerKeys(keys []wireSyncerKey) []proclet.SyncerKey {
	out := make([]proclet.SyncerKey, len(keys))
	for i, k := range keys {
		out[i] = proclet.SyncerKey{Addr: uintptr(k.Addr), Kind: procsync.SyncerKind(k.Kind)}
	}
	return out
}

// DialFunc opens the underlying transport connection to a migration peer.
type DialFunc func(addr string) (net.Conn, error)

// Migrator drives the source side of live migration for proclets local to
// this node.
type Migrator struct {
	log        hclog.Logger
	manager    *proclet.Manager
	controller *controller.Client
	selfIP     string
	dial       DialFunc
}

// New creates a Migrator.
func New(log hclog.Logger, manager *proclet.Manager, controllerClient *controller.Client, selfIP string, dial DialFunc) *Migrator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Migrator{
		log:        log.Named("migrator"),
		manager:    manager,
		controller: controllerClient,
		selfIP:     selfIP,
		dial:       dial,
	}
}

// Migrate runs the full quiesce/transfer/cutover sequence for proclet id,
// relieving pressure against resource on behalf of lpid.
func (m *Migrator) Migrate(ctx context.Context, id proclet.ID, lpid uint64, resource controller.Resource) error {
	entry, ok := m.manager.Lookup(id)
	if !ok {
		return ErrNotLocal
	}

	// Select destination.
	dest, ok := m.controller.GetMigrationDest(lpid, m.selfIP, resource)
	if !ok {
		return ErrNoDestination
	}

	// Quiesce. CAS PRESENT -> MIGRATING in the directory, flip the header
	// flag so new dispatch sees CLIENT_RETRY, then drain existing
	// in-proclet threads.
	if !m.manager.MarkMigrating(id) {
		return ErrAlreadyMigrating
	}
	if !entry.Header.SetMigrating(true) {
		return ErrAlreadyMigrating
	}
	entry.Header.RCU.WriterSync(true)

	sentAtUs := time.Now().UnixMicro()

	// Announce to destination over a yamux session with one stream per
	// payload so the slab transfer (potentially large) doesn't block behind
	// the header/thread-table round trip.
	conn, err := m.dial(dest.MigratorAddr())
	if err != nil {
		return fmt.Errorf("migrator: dial %s: %w", dest.MigratorAddr(), err)
	}
	session, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("migrator: yamux client handshake: %w", err)
	}
	defer session.Close()

	hdrStream, err := session.Open()
	if err != nil {
		return fmt.Errorf("migrator: open header stream: %w", err)
	}
	slabStream, err := session.Open()
	if err != nil {
		return fmt.Errorf("migrator: open slab stream: %w", err)
	}
	threadStream, err := session.Open()
	if err != nil {
		return fmt.Errorf("migrator: open thread stream: %w", err)
	}

	usedBytes := entry.Header.Slab.Usage()
	blocked := entry.Header.Blocked.Slice()
	threadIDs := entry.Header.ThreadSet.Slice()

	hdr := Header{
		ProcletID:              uint64(id),
		HeapUsedBytes:          usedBytes,
		ThreadCount:            uint32(len(threadIDs)),
		BlockedSyncerCount:     uint32(len(blocked)),
		Pinned:                 !entry.Header.Migratable,
		NumShards:              entry.Header.RCU.NumShards(),
		SourcePhysicalAtSendUs: sentAtUs,
		TimerDeadlinesUs:       entry.Header.Clock.Snapshot(),
	}
	if err := writeFramed(hdrStream, hdr); err != nil {
		return fmt.Errorf("migrator: send header: %w", err)
	}

	if _, err := slabStream.Write(entry.Header.Slab.Base()[:usedBytes]); err != nil {
		return fmt.Errorf("migrator: send slab bytes: %w", err)
	}

	payload := ThreadsPayload{ThreadIDs: threadIDs, BlockedSyncers: toWireSyncerKeys(blocked)}
	if err := writeFramed(threadStream, payload); err != nil {
		return fmt.Errorf("migrator: send thread table: %w", err)
	}

	// Wait for the destination's install ACK on the header stream before
	// cutting over.
	var ack [1]byte
	if _, err := io.ReadFull(hdrStream, ack[:]); err != nil {
		return fmt.Errorf("migrator: wait for install ack: %w", err)
	}
	if ack[0] != ackOK {
		return fmt.Errorf("migrator: destination rejected install")
	}

	// Cut over.
	if err := m.controller.UpdateLocation(id, dest); err != nil {
		return fmt.Errorf("migrator: update_location: %w", err)
	}
	m.controller.Update(id, dest)
	m.manager.Remove(id)

	return nil
}

const ackOK byte = 1

func writeFramed(w io.Writer, v any) error {
	payload, err := wire.Encode(v)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFramed(r io.Reader, v any) error {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := getUint64(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
	}
	return wire.Decode(payload, v)
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func getUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}
