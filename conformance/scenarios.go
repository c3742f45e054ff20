// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/Query-farm/cq-serve/cqserve"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is a running echo engine with a checking transport layered over the
// in-process transport.
type Engine struct {
	Server    *cqserve.Server
	Checker   *Checker
	Transport *cqserve.Inproc[Payload, Payload]
	Handled   atomic.Int64
}

// NewEngine builds and starts a checked echo engine.
func NewEngine(workers, unaryContexts, streamContexts int) (*Engine, error) {
	q := cqserve.NewCompletionQueue()
	srv := cqserve.NewServer(q)
	srv.SetServerID("conformance")
	srv.SetWorkers(workers)

	e := &Engine{Server: srv, Transport: cqserve.NewInproc[Payload, Payload](q)}
	e.Checker = NewChecker(e.Transport)

	handler := func(req *Payload) (*Payload, *status.Status) {
		e.Handled.Add(1)
		if string(req.Data) == "fail" {
			return nil, status.New(codes.Internal, "error creating payload")
		}
		return &Payload{Data: req.Data}, nil
	}

	if unaryContexts > 0 {
		err := cqserve.RegisterUnary(srv, "conformance.Echo",
			cqserve.UnaryTransport[Payload, Payload](e.Checker), unaryContexts, handler)
		if err != nil {
			return nil, err
		}
	}
	if streamContexts > 0 {
		err := cqserve.RegisterStream(srv, "conformance.EchoStream",
			cqserve.StreamTransport[Payload, Payload](e.Checker), streamContexts, handler)
		if err != nil {
			return nil, err
		}
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

// RunUnaryTraffic issues calls concurrent closed-loop unary calls, every
// tenth one a failing call, and verifies each outcome.
func (e *Engine) RunUnaryTraffic(ctx context.Context, callers, callsPerCaller int) error {
	var g errgroup.Group
	for id := range callers {
		g.Go(func() error {
			for i := range callsPerCaller {
				if i%10 == 9 {
					resp, st, err := e.Transport.InvokeUnary(ctx, Payload{Data: []byte("fail")})
					if err != nil {
						return err
					}
					if resp != nil || st.Code() != codes.Internal {
						return fmt.Errorf("failing call: got resp=%v code=%s", resp, st.Code())
					}
					continue
				}
				data := []byte(fmt.Sprintf("%d:%d", id, i))
				resp, st, err := e.Transport.InvokeUnary(ctx, Payload{Data: data})
				if err != nil {
					return err
				}
				if st.Code() != codes.OK {
					return fmt.Errorf("call %s failed: %s", data, st.Code())
				}
				if string(resp.Data) != string(data) {
					return fmt.Errorf("echo mismatch: sent %q got %q", data, resp.Data)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// RunStreamTraffic issues concurrent lockstep echo streams and verifies each
// message and terminal status.
func (e *Engine) RunStreamTraffic(ctx context.Context, streams, messagesPerStream int) error {
	var g errgroup.Group
	for id := range streams {
		g.Go(func() error {
			sc, err := e.Transport.OpenStream(ctx)
			if err != nil {
				return err
			}
			for i := range messagesPerStream {
				data := []byte(fmt.Sprintf("s%d:%d", id, i))
				if err := sc.Send(ctx, Payload{Data: data}); err != nil {
					return err
				}
				resp, err := sc.Recv(ctx)
				if err != nil {
					return err
				}
				if string(resp.Data) != string(data) {
					return fmt.Errorf("stream echo mismatch: sent %q got %q", data, resp.Data)
				}
			}
			sc.CloseSend()
			if _, err := sc.Recv(ctx); err != io.EOF {
				return fmt.Errorf("expected end of stream, got %v", err)
			}
			if st := sc.Status(); st.Code() != codes.OK {
				return fmt.Errorf("stream finished with %s", st.Code())
			}
			return nil
		})
	}
	return g.Wait()
}

// Verify shuts the engine down and reports any grammar violations, plus an
// arm count that keeps growing after teardown.
func (e *Engine) Verify() error {
	e.Server.Shutdown()
	before := e.Checker.ArmCount()
	e.Server.Shutdown()
	if after := e.Checker.ArmCount(); after != before {
		return fmt.Errorf("transport armed %d operations after shutdown", after-before)
	}
	if v := e.Checker.Violations(); len(v) > 0 {
		return fmt.Errorf("%d grammar violations, first: %s", len(v), v[0])
	}
	return nil
}
