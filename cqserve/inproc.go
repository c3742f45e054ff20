// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc/status"
)

// Inproc is an in-process loopback transport: callers in the same process
// invoke calls directly against armed server slots, and every operation
// outcome is delivered through the engine's completion queue exactly as a
// network transport would deliver it. It implements both [UnaryTransport]
// and [StreamTransport] and is the primary transport for tests, conformance
// checks, and benchmarks.
//
// Streaming calls are lockstep: the caller must alternate Send and Recv,
// mirroring the engine's strict read/write alternation. Pipelined sends
// deadlock by design.
type Inproc[Req, Resp any] struct {
	queue *CompletionQueue

	mu      sync.Mutex
	cond    *sync.Cond
	down    bool
	downCh  chan struct{}
	unary   []*inprocUnary[Req, Resp]
	streams []*inprocStream[Req, Resp]
}

// NewInproc creates an in-process transport posting completions to queue.
func NewInproc[Req, Resp any](queue *CompletionQueue) *Inproc[Req, Resp] {
	t := &Inproc[Req, Resp]{queue: queue, downCh: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// unaryOutcome carries one finished unary call back to its caller.
type unaryOutcome[Resp any] struct {
	resp *Resp
	st   *status.Status
}

// inprocUnary is one armed unary slot.
type inprocUnary[Req, Resp any] struct {
	t    *Inproc[Req, Resp]
	req  *Req
	tok  Token
	done chan unaryOutcome[Resp]
}

// RequestUnary implements [UnaryTransport].
func (t *Inproc[Req, Resp]) RequestUnary(req *Req, tok Token) UnaryCall[Resp] {
	u := &inprocUnary[Req, Resp]{t: t, req: req, tok: tok, done: make(chan unaryOutcome[Resp], 1)}
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		t.queue.Post(Event{Token: tok, OK: false})
		return u
	}
	t.unary = append(t.unary, u)
	t.cond.Signal()
	t.mu.Unlock()
	return u
}

// Finish implements [UnaryCall]. The caller observes the outcome before the
// completion event is posted, so a response is never lost to queue teardown.
func (u *inprocUnary[Req, Resp]) Finish(resp *Resp, st *status.Status, tok Token) {
	u.done <- unaryOutcome[Resp]{resp: resp, st: st}
	u.t.queue.Post(Event{Token: tok, OK: true})
}

// InvokeUnary issues one single-response call. It blocks until an armed slot
// is available (slots are bounded by the registered context count), then
// until the terminal status arrives or ctx is done.
func (t *Inproc[Req, Resp]) InvokeUnary(ctx context.Context, req Req) (*Resp, *status.Status, error) {
	t.mu.Lock()
	for len(t.unary) == 0 && !t.down {
		t.cond.Wait()
	}
	if t.down {
		t.mu.Unlock()
		return nil, nil, ErrTransportClosed
	}
	u := t.unary[len(t.unary)-1]
	t.unary = t.unary[:len(t.unary)-1]
	// Deliver the request into the context's buffer and complete the armed
	// receive while still holding the lock, so a concurrent Shutdown cannot
	// interleave between claim and post.
	*u.req = req
	t.queue.Post(Event{Token: u.tok, OK: true})
	t.mu.Unlock()

	select {
	case out := <-u.done:
		return out.resp, out.st, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// inprocStream is one armed (and, once claimed, accepted) stream session.
type inprocStream[Req, Resp any] struct {
	t        *Inproc[Req, Resp]
	tok      Token
	inbound  chan Req  // caller → engine, closed by CloseSend
	outbound chan Resp // engine → caller, unbuffered for lockstep
	fin      chan *status.Status
}

// RequestStream implements [StreamTransport].
func (t *Inproc[Req, Resp]) RequestStream(tok Token) StreamCall[Req, Resp] {
	s := &inprocStream[Req, Resp]{
		t:        t,
		tok:      tok,
		inbound:  make(chan Req),
		outbound: make(chan Resp),
		fin:      make(chan *status.Status, 1),
	}
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		t.queue.Post(Event{Token: tok, OK: false})
		return s
	}
	t.streams = append(t.streams, s)
	t.cond.Signal()
	t.mu.Unlock()
	return s
}

// Read implements [StreamCall]. The read fails when the caller has closed
// its send direction or the transport is shutting down.
func (s *inprocStream[Req, Resp]) Read(req *Req, tok Token) {
	go func() {
		select {
		case r, ok := <-s.inbound:
			if !ok {
				s.t.queue.Post(Event{Token: tok, OK: false})
				return
			}
			*req = r
			s.t.queue.Post(Event{Token: tok, OK: true})
		case <-s.t.downCh:
			s.t.queue.Post(Event{Token: tok, OK: false})
		}
	}()
}

// Write implements [StreamCall]. The write completes when the caller
// receives the message.
func (s *inprocStream[Req, Resp]) Write(resp *Resp, tok Token) {
	go func() {
		select {
		case s.outbound <- *resp:
			s.t.queue.Post(Event{Token: tok, OK: true})
		case <-s.t.downCh:
			s.t.queue.Post(Event{Token: tok, OK: false})
		}
	}()
}

// Finish implements [StreamCall].
func (s *inprocStream[Req, Resp]) Finish(st *status.Status, tok Token) {
	s.fin <- st
	s.t.queue.Post(Event{Token: tok, OK: true})
}

// StreamClient is a caller's handle on one in-process streaming call.
type StreamClient[Req, Resp any] struct {
	s        *inprocStream[Req, Resp]
	sendDone bool
	st       *status.Status
}

// OpenStream starts one streaming call, blocking until an armed stream slot
// is available.
func (t *Inproc[Req, Resp]) OpenStream(ctx context.Context) (*StreamClient[Req, Resp], error) {
	t.mu.Lock()
	for len(t.streams) == 0 && !t.down {
		t.cond.Wait()
	}
	if t.down {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	s := t.streams[len(t.streams)-1]
	t.streams = t.streams[:len(t.streams)-1]
	t.queue.Post(Event{Token: s.tok, OK: true})
	t.mu.Unlock()
	return &StreamClient[Req, Resp]{s: s}, nil
}

// Send delivers one request to the engine. Send after CloseSend panics.
func (c *StreamClient[Req, Resp]) Send(ctx context.Context, req Req) error {
	select {
	case c.s.inbound <- req:
		return nil
	case <-c.s.t.downCh:
		return ErrCallAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend signals end-of-stream on the caller's send direction. The engine
// observes it as a failed read and finishes the call.
func (c *StreamClient[Req, Resp]) CloseSend() {
	if c.sendDone {
		return
	}
	c.sendDone = true
	close(c.s.inbound)
}

// Recv returns the next response message. It returns io.EOF when the engine
// has finished the stream; the terminal status is then available from
// [StreamClient.Status].
func (c *StreamClient[Req, Resp]) Recv(ctx context.Context) (*Resp, error) {
	select {
	case resp := <-c.s.outbound:
		return &resp, nil
	case st := <-c.s.fin:
		c.st = st
		return nil, io.EOF
	case <-c.s.t.downCh:
		return nil, ErrCallAborted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the terminal status delivered with end-of-stream, or nil
// if Recv has not yet returned io.EOF.
func (c *StreamClient[Req, Resp]) Status() *status.Status { return c.st }

// Shutdown implements the transport side of engine teardown: no new calls
// are accepted, every armed operation fails, and in-flight sessions observe
// the closed transport on their next operation.
func (t *Inproc[Req, Resp]) Shutdown() {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return
	}
	t.down = true
	unary := t.unary
	t.unary = nil
	streams := t.streams
	t.streams = nil
	close(t.downCh)
	t.cond.Broadcast()
	t.mu.Unlock()

	for _, u := range unary {
		t.queue.Post(Event{Token: u.tok, OK: false})
	}
	for _, s := range streams {
		t.queue.Post(Event{Token: s.tok, OK: false})
	}
}
