// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/status"
)

// TCPClient is the caller side of [TCPTransport]: each call opens one
// connection, speaks the frame protocol, and closes.
type TCPClient[Req, Resp any] struct {
	addr      string
	reqCodec  Codec[Req]
	respCodec Codec[Resp]
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewTCPClient creates a client for the transport listening at addr. The
// codecs must match the server's. When compress is true, outbound frames at
// or above the compression threshold are zstd-compressed; compressed inbound
// frames are always decoded.
func NewTCPClient[Req, Resp any](addr string, reqCodec Codec[Req], respCodec Codec[Resp], compress bool) (*TCPClient[Req, Resp], error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c := &TCPClient[Req, Resp]{addr: addr, reqCodec: reqCodec, respCodec: respCodec, dec: dec}
	if compress {
		c.enc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *TCPClient[Req, Resp]) dial(ctx context.Context) (net.Conn, *frameConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, newFrameConn(conn, c.enc, c.dec), nil
}

// InvokeUnary issues one single-response call.
func (c *TCPClient[Req, Resp]) InvokeUnary(ctx context.Context, req Req) (*Resp, *status.Status, error) {
	conn, fc, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	payload, err := c.reqCodec.Marshal(&req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling request: %w", err)
	}
	if err := fc.writeFrame(frameCallUnary, payload); err != nil {
		return nil, nil, err
	}

	var resp *Resp
	for {
		kind, data, err := fc.readFrame()
		if err != nil {
			return nil, nil, err
		}
		switch kind {
		case frameData:
			resp = new(Resp)
			if err := c.respCodec.Unmarshal(data, resp); err != nil {
				return nil, nil, fmt.Errorf("unmarshaling response: %w", err)
			}
		case frameStatus:
			st, err := unmarshalStatus(data)
			if err != nil {
				return nil, nil, err
			}
			return resp, st, nil
		default:
			return nil, nil, fmt.Errorf("unexpected frame kind %d", uint8(kind))
		}
	}
}

// TCPStream is a caller's handle on one streaming call.
type TCPStream[Req, Resp any] struct {
	c        *TCPClient[Req, Resp]
	conn     net.Conn
	fc       *frameConn
	sendDone bool
	st       *status.Status
}

// OpenStream starts one streaming call.
func (c *TCPClient[Req, Resp]) OpenStream(ctx context.Context) (*TCPStream[Req, Resp], error) {
	conn, fc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := fc.writeFrame(frameCallStream, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &TCPStream[Req, Resp]{c: c, conn: conn, fc: fc}, nil
}

// Send delivers one request message.
func (s *TCPStream[Req, Resp]) Send(req Req) error {
	payload, err := s.c.reqCodec.Marshal(&req)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return s.fc.writeFrame(frameData, payload)
}

// CloseSend signals end-of-stream on the caller's send direction.
func (s *TCPStream[Req, Resp]) CloseSend() error {
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	return s.fc.writeFrame(frameHalfClose, nil)
}

// Recv returns the next response message. It returns io.EOF when the server
// has finished the stream; the terminal status is then available from
// [TCPStream.Status].
func (s *TCPStream[Req, Resp]) Recv() (*Resp, error) {
	kind, data, err := s.fc.readFrame()
	if err != nil {
		return nil, err
	}
	switch kind {
	case frameData:
		resp := new(Resp)
		if err := s.c.respCodec.Unmarshal(data, resp); err != nil {
			return nil, fmt.Errorf("unmarshaling message: %w", err)
		}
		return resp, nil
	case frameStatus:
		st, err := unmarshalStatus(data)
		if err != nil {
			return nil, err
		}
		s.st = st
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("unexpected frame kind %d", uint8(kind))
	}
}

// Status returns the terminal status delivered with end-of-stream, or nil if
// Recv has not yet returned io.EOF.
func (s *TCPStream[Req, Resp]) Status() *status.Status { return s.st }

// Close releases the connection. Recv after Close fails.
func (s *TCPStream[Req, Resp]) Close() error {
	s.conn.SetDeadline(time.Now())
	return s.conn.Close()
}
