// Package wire implements the cluster-internal wire formats: RPC
// request/response headers, the proclet-control payload, and their
// msgpack encoding.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// Cmd is the 4-byte RPC command carried in every request header.
type Cmd uint32

const (
	CmdCall Cmd = iota
	CmdUpdate
)

// RC is the one-byte return code on a proclet-control response.
type RC uint8

const (
	RCOk RC = iota
	RCForwarded
	RCClientRetry
)

// RequestHeader is the 24-byte little-endian header preceding every RPC
// request payload.
type RequestHeader struct {
	Cmd             uint32
	Demand          uint32
	PayloadLen      uint64
	CompletionToken uint64
}

const HeaderLen = 24

// ResponseHeader is the 24-byte little-endian header preceding every RPC
// response payload.
type ResponseHeader struct {
	Cmd             uint32
	Credits         uint32
	PayloadLen      uint64
	CompletionToken uint64
}

func (h *RequestHeader) Marshal() []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], h.Demand)
	binary.LittleEndian.PutUint64(buf[8:16], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.CompletionToken)
	return buf
}

func UnmarshalRequestHeader(buf []byte) (RequestHeader, error) {
	if len(buf) < HeaderLen {
		return RequestHeader{}, fmt.Errorf("wire: short request header (%d bytes)", len(buf))
	}
	return RequestHeader{
		Cmd:             binary.LittleEndian.Uint32(buf[0:4]),
		Demand:          binary.LittleEndian.Uint32(buf[4:8]),
		PayloadLen:      binary.LittleEndian.Uint64(buf[8:16]),
		CompletionToken: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

func (h *ResponseHeader) Marshal() []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], h.Credits)
	binary.LittleEndian.PutUint64(buf[8:16], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.CompletionToken)
	return buf
}

func UnmarshalResponseHeader(buf []byte) (ResponseHeader, error) {
	if len(buf) < HeaderLen {
		return ResponseHeader{}, fmt.Errorf("wire: short response header (%d bytes)", len(buf))
	}
	return ResponseHeader{
		Cmd:             binary.LittleEndian.Uint32(buf[0:4]),
		Credits:         binary.LittleEndian.Uint32(buf[4:8]),
		PayloadLen:      binary.LittleEndian.Uint64(buf[8:16]),
		CompletionToken: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// ProcletCall is the proclet-control payload for a method call:
// {u64 proclet_id; u64 selector; bytes args_serialized}.
type ProcletCall struct {
	ProcletID uint64
	Selector  uint64
	Args      []byte
}

// ProcletReply is the proclet-control response payload: {u8 rc; u64
// payload_len; bytes payload}. On RCForwarded, Payload decodes to a
// ForwardAddr.
type ProcletReply struct {
	RC      RC
	Payload []byte
}

// ForwardAddr is the payload of an RCForwarded reply: {u32 new_ip; u16
// new_port}.
type ForwardAddr struct {
	IP   uint32
	Port uint16
}

// handle is the shared msgpack codec handle; go-msgpack's Handle is safe
// for concurrent use once configured, so one Handle is shared across the
// whole RPC layer.
var handle = func() *msgpack.MsgpackHandle {
	h := &msgpack.MsgpackHandle{}
	h.RawToString = true
	return h
}()

// Encode msgpack-encodes v for request/response bodies.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode msgpack-decodes data into v.
func Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data), handle)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// EncodeForwardAddr/DecodeForwardAddr are the fixed 6-byte {u32,u16} wire
// form used for FORWARDED payloads (kept as explicit
// binary rather than msgpack since the shape is load-bearing for the
// client's fast-path re-dial).
func EncodeForwardAddr(a ForwardAddr) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], a.IP)
	binary.LittleEndian.PutUint16(buf[4:6], a.Port)
	return buf
}

func DecodeForwardAddr(buf []byte) (ForwardAddr, error) {
	if len(buf) < 6 {
		return ForwardAddr{}, fmt.Errorf("wire: short forward addr (%d bytes)", len(buf))
	}
	return ForwardAddr{
		IP:   binary.LittleEndian.Uint32(buf[0:4]),
		Port: binary.LittleEndian.Uint16(buf[4:6]),
	}, nil
}
