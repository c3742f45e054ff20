// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Codec translates typed payloads to and from opaque wire bytes. Codecs live
// entirely at the transport boundary: the engine core never inspects payload
// bytes.
type Codec[T any] interface {
	Marshal(v *T) ([]byte, error)
	Unmarshal(data []byte, v *T) error
}

// frameKind identifies one wire frame of the connection-per-call protocol.
type frameKind uint8

const (
	// frameCallUnary opens a unary call; the payload is the request.
	frameCallUnary frameKind = iota + 1
	// frameCallStream opens a streaming call; no payload.
	frameCallStream
	// frameData carries one message payload in either direction.
	frameData
	// frameHalfClose signals the caller has finished sending; no payload.
	frameHalfClose
	// frameStatus carries the terminal status and ends the call.
	frameStatus
)

const (
	frameFlagZstd = 1 << 0

	// frameMaxLen bounds a single payload so a corrupt length prefix cannot
	// trigger an enormous allocation.
	frameMaxLen = 64 << 20

	// frameCompressMin is the smallest payload worth compressing.
	frameCompressMin = 512
)

// frameConn reads and writes length-prefixed frames on one connection:
// kind (1 byte), flags (1 byte), payload length (4 bytes big-endian),
// payload. The zstd encoder and decoder are shared across connections;
// EncodeAll/DecodeAll are safe for concurrent use.
type frameConn struct {
	rw  io.ReadWriter
	br  *bufio.Reader
	enc *zstd.Encoder // nil when compression is off
	dec *zstd.Decoder
}

func newFrameConn(rw io.ReadWriter, enc *zstd.Encoder, dec *zstd.Decoder) *frameConn {
	return &frameConn{rw: rw, br: bufio.NewReader(rw), enc: enc, dec: dec}
}

func (fc *frameConn) writeFrame(kind frameKind, payload []byte) error {
	var flags byte
	if fc.enc != nil && len(payload) >= frameCompressMin {
		payload = fc.enc.EncodeAll(payload, nil)
		flags |= frameFlagZstd
	}
	var hdr [6]byte
	hdr[0] = byte(kind)
	hdr[1] = flags
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(payload)))
	if _, err := fc.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := fc.rw.Write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

func (fc *frameConn) readFrame() (frameKind, []byte, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(fc.br, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[2:])
	if n > frameMaxLen {
		return 0, nil, fmt.Errorf("frame payload length %d exceeds limit", n)
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(fc.br, payload); err != nil {
			return 0, nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	if hdr[1]&frameFlagZstd != 0 {
		decoded, err := fc.dec.DecodeAll(payload, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("decompressing frame payload: %w", err)
		}
		payload = decoded
	}
	return frameKind(hdr[0]), payload, nil
}

// marshalStatus encodes a terminal status as 4 bytes of code followed by the
// message bytes.
func marshalStatus(st *status.Status) []byte {
	st = orOK(st)
	msg := st.Message()
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(st.Code()))
	copy(buf[4:], msg)
	return buf
}

func unmarshalStatus(data []byte) (*status.Status, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("status frame too short: %d bytes", len(data))
	}
	code := codes.Code(binary.BigEndian.Uint32(data))
	return status.New(code, string(data[4:])), nil
}
