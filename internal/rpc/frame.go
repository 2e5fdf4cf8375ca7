package rpc

import (
	"fmt"
	"io"

	"github.com/proclet-systems/procletd/internal/wire"
)

// Response is a decoded RPC response frame: the wire.ResponseHeader fields
// plus its raw payload bytes (the proclet-control reply, still encoded).
type Response struct {
	Cmd             uint32
	Credits         uint32
	CompletionToken uint64
	Payload         []byte
}

// writeRequest frames and writes one request: header + payload.
func writeRequest(w io.Writer, hdr wire.RequestHeader, payload []byte) error {
	hdr.PayloadLen = uint64(len(payload))
	if _, err := w.Write(hdr.Marshal()); err != nil {
		return fmt.Errorf("rpc: write request header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("rpc: write request payload: %w", err)
		}
	}
	return nil
}

// readRequest reads one framed request off r.
func readRequest(r io.Reader) (wire.RequestHeader, []byte, error) {
	var hdrBuf [wire.HeaderLen]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return wire.RequestHeader{}, nil, err
	}
	hdr, err := wire.UnmarshalRequestHeader(hdrBuf[:])
	if err != nil {
		return wire.RequestHeader{}, nil, err
	}
	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return wire.RequestHeader{}, nil, fmt.Errorf("rpc: read request payload: %w", err)
		}
	}
	return hdr, payload, nil
}

// writeResponse frames and writes one response.
func writeResponse(w io.Writer, hdr wire.ResponseHeader, payload []byte) error {
	hdr.PayloadLen = uint64(len(payload))
	if _, err := w.Write(hdr.Marshal()); err != nil {
		return fmt.Errorf("rpc: write response header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("rpc: write response payload: %w", err)
		}
	}
	return nil
}

// readResponse reads one framed response off r.
func readResponse(r io.Reader) (wire.ResponseHeader, []byte, error) {
	var hdrBuf [wire.HeaderLen]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return wire.ResponseHeader{}, nil, err
	}
	hdr, err := wire.UnmarshalResponseHeader(hdrBuf[:])
	if err != nil {
		return wire.ResponseHeader{}, nil, err
	}
	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return wire.ResponseHeader{}, nil, fmt.Errorf("rpc: read response payload: %w", err)
		}
	}
	return hdr, payload, nil
}

// startReader launches the per-connection read loop that demultiplexes
// responses to their waiting caller by completion_token: multiple
// concurrent calls on one flow are distinguished this way.
func (c *Conn) startReader() {
	c.readerOnce.Do(func() {
		go func() {
			for {
				hdr, payload, err := readResponse(c.raw)
				if err != nil {
					c.readerErrCh <- err
					c.close()
					return
				}
				c.completeResponse(Response{
					Cmd:             hdr.Cmd,
					Credits:         hdr.Credits,
					CompletionToken: hdr.CompletionToken,
					Payload:         payload,
				})
			}
		}()
	})
}
