// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark provides the shared fixture and load driver used by the
// cq-serve benchmarks and the conformance suite: a simple byte-payload echo
// service served over the in-process transport.
package benchmark

import (
	"encoding/binary"
	"fmt"

	"github.com/Query-farm/cq-serve/cqserve"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SimpleRequest asks the server to respond with ResponseSize payload bytes.
type SimpleRequest struct {
	ResponseSize int32
	Payload      []byte
}

// SimpleResponse carries the requested payload.
type SimpleResponse struct {
	Payload []byte
}

// ProcessSimpleCall is the fixture handler for both unary and streaming
// methods: it allocates a zeroed payload of the requested size.
func ProcessSimpleCall(req *SimpleRequest) (*SimpleResponse, *status.Status) {
	if req.ResponseSize < 0 {
		return nil, status.New(codes.Internal, "error creating payload")
	}
	return &SimpleResponse{Payload: make([]byte, req.ResponseSize)}, nil
}

// RequestCodec encodes a SimpleRequest as 4 bytes of big-endian response size
// followed by the payload bytes.
type RequestCodec struct{}

func (RequestCodec) Marshal(v *SimpleRequest) ([]byte, error) {
	buf := make([]byte, 4+len(v.Payload))
	binary.BigEndian.PutUint32(buf, uint32(v.ResponseSize))
	copy(buf[4:], v.Payload)
	return buf, nil
}

func (RequestCodec) Unmarshal(data []byte, v *SimpleRequest) error {
	if len(data) < 4 {
		return fmt.Errorf("request too short: %d bytes", len(data))
	}
	v.ResponseSize = int32(binary.BigEndian.Uint32(data))
	v.Payload = append(v.Payload[:0], data[4:]...)
	return nil
}

// ResponseCodec encodes a SimpleResponse as raw payload bytes.
type ResponseCodec struct{}

func (ResponseCodec) Marshal(v *SimpleResponse) ([]byte, error) { return v.Payload, nil }

func (ResponseCodec) Unmarshal(data []byte, v *SimpleResponse) error {
	v.Payload = append(v.Payload[:0], data...)
	return nil
}

// Config sizes one fixture engine.
type Config struct {
	// Workers is the dispatcher worker count. Zero selects runtime.NumCPU().
	Workers int
	// UnaryContexts is the number of pre-created unary call contexts.
	UnaryContexts int
	// StreamContexts is the number of pre-created streaming call contexts.
	StreamContexts int
}

// DefaultConfig mirrors the sizing the engine was designed around: one
// hundred pre-created contexts per call variant.
func DefaultConfig() Config {
	return Config{UnaryContexts: 100, StreamContexts: 100}
}

// Fixture is a running echo engine over an in-process transport.
type Fixture struct {
	Queue     *cqserve.CompletionQueue
	Server    *cqserve.Server
	Transport *cqserve.Inproc[SimpleRequest, SimpleResponse]
}

// NewFixture builds and starts an echo engine.
func NewFixture(cfg Config) (*Fixture, error) {
	q := cqserve.NewCompletionQueue()
	srv := cqserve.NewServer(q)
	srv.SetServerID("benchmark")
	srv.SetWorkers(cfg.Workers)
	tr := cqserve.NewInproc[SimpleRequest, SimpleResponse](q)

	if cfg.UnaryContexts > 0 {
		err := cqserve.RegisterUnary(srv, "benchmark.UnaryCall",
			cqserve.UnaryTransport[SimpleRequest, SimpleResponse](tr),
			cfg.UnaryContexts, ProcessSimpleCall)
		if err != nil {
			return nil, err
		}
	}
	if cfg.StreamContexts > 0 {
		err := cqserve.RegisterStream(srv, "benchmark.StreamingCall",
			cqserve.StreamTransport[SimpleRequest, SimpleResponse](tr),
			cfg.StreamContexts, ProcessSimpleCall)
		if err != nil {
			return nil, err
		}
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return &Fixture{Queue: q, Server: srv, Transport: tr}, nil
}

// Close tears the engine down.
func (f *Fixture) Close() {
	f.Server.Shutdown()
}
