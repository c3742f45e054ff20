// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TCPTransport serves the engine's completion-based call model over a
// connection-per-call TCP protocol: the first frame on a connection selects
// the call variant, and every subsequent transport operation is performed by
// connection goroutines that post their outcomes to the completion queue.
// Dispatcher workers never touch the network.
//
// It implements both [UnaryTransport] and [StreamTransport]. A connection
// whose call variant has no armed slot blocks until a context is recycled,
// which bounds concurrent in-flight calls to the registered context count.
type TCPTransport[Req, Resp any] struct {
	queue     *CompletionQueue
	reqCodec  Codec[Req]
	respCodec Codec[Resp]
	enc       *zstd.Encoder // nil when compression is off
	dec       *zstd.Decoder

	mu      sync.Mutex
	cond    *sync.Cond
	ln      net.Listener
	down    bool
	downCh  chan struct{}
	conns   map[net.Conn]struct{}
	unary   []*tcpUnary[Req, Resp]
	streams []*tcpStream[Req, Resp]
}

// NewTCPTransport creates a TCP transport posting completions to queue.
// When compress is true, frames at or above the compression threshold are
// zstd-compressed.
func NewTCPTransport[Req, Resp any](queue *CompletionQueue, reqCodec Codec[Req], respCodec Codec[Resp], compress bool) (*TCPTransport[Req, Resp], error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport[Req, Resp]{
		queue:     queue,
		reqCodec:  reqCodec,
		respCodec: respCodec,
		dec:       dec,
		downCh:    make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	if compress {
		t.enc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Listen binds the listener and starts accepting connections.
func (t *TCPTransport[Req, Resp]) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	go t.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (t *TCPTransport[Req, Resp]) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCPTransport[Req, Resp]) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("tcp transport: accept failed", "err", err)
			}
			return
		}
		t.mu.Lock()
		if t.down {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		go t.handleConn(conn)
	}
}

func (t *TCPTransport[Req, Resp]) closeConn(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	conn.Close()
}

func (t *TCPTransport[Req, Resp]) handleConn(conn net.Conn) {
	fc := newFrameConn(conn, t.enc, t.dec)
	kind, payload, err := fc.readFrame()
	if err != nil {
		if err != io.EOF {
			slog.Debug("tcp transport: dropping connection", "err", err)
		}
		t.closeConn(conn)
		return
	}
	switch kind {
	case frameCallUnary:
		t.serveUnaryConn(conn, fc, payload)
	case frameCallStream:
		// Connection ownership passes to the stream session; it stays open
		// until the terminal status frame is written or the session aborts.
		t.serveStreamConn(conn, fc)
	default:
		slog.Warn("tcp transport: unexpected opening frame", "kind", uint8(kind))
		t.closeConn(conn)
	}
}

// tcpUnary is one armed unary slot.
type tcpUnary[Req, Resp any] struct {
	req  *Req
	tok  Token
	done chan unaryOutcome[Resp]
}

// RequestUnary implements [UnaryTransport].
func (t *TCPTransport[Req, Resp]) RequestUnary(req *Req, tok Token) UnaryCall[Resp] {
	u := &tcpUnary[Req, Resp]{req: req, tok: tok, done: make(chan unaryOutcome[Resp], 1)}
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		t.queue.Post(Event{Token: tok, OK: false})
		return tcpUnaryCall[Req, Resp]{u: u}
	}
	t.unary = append(t.unary, u)
	t.cond.Signal()
	t.mu.Unlock()
	return tcpUnaryCall[Req, Resp]{u: u}
}

// tcpUnaryCall hands the terminal outcome to the connection goroutine, which
// performs the network send and posts the finish completion.
type tcpUnaryCall[Req, Resp any] struct {
	u *tcpUnary[Req, Resp]
}

func (c tcpUnaryCall[Req, Resp]) Finish(resp *Resp, st *status.Status, tok Token) {
	c.u.done <- unaryOutcome[Resp]{resp: resp, st: st}
}

// serveUnaryConn binds one unary connection to an armed context: deliver the
// request, wait for the handler outcome, send the response and status.
func (t *TCPTransport[Req, Resp]) serveUnaryConn(conn net.Conn, fc *frameConn, payload []byte) {
	defer t.closeConn(conn)

	u, ok := t.claimUnary()
	if !ok {
		return
	}
	if err := t.reqCodec.Unmarshal(payload, u.req); err != nil {
		slog.Debug("tcp transport: bad unary request", "err", err)
		// The armed context was never advanced; return it to the pool and
		// report the decode failure to the caller directly.
		t.mu.Lock()
		if !t.down {
			t.unary = append(t.unary, u)
			t.cond.Signal()
		}
		t.mu.Unlock()
		_ = fc.writeFrame(frameStatus, marshalStatus(status.New(codes.InvalidArgument, "malformed request payload")))
		return
	}
	t.queue.Post(Event{Token: u.tok, OK: true})

	var out unaryOutcome[Resp]
	select {
	case out = <-u.done:
	case <-t.downCh:
		// Teardown may drop the pending call; don't hold the connection
		// open waiting for an outcome that will never come. No completion
		// may be posted here: the receive event was already consumed and
		// Finish has not been armed, so nothing is outstanding for this
		// token. The abandoned context is released by the lifecycle
		// controller at teardown.
		select {
		case out = <-u.done:
		default:
			return
		}
	}

	sendOK := true
	if out.resp != nil {
		data, err := t.respCodec.Marshal(out.resp)
		if err != nil {
			slog.Error("tcp transport: response marshal failed", "err", err)
			sendOK = false
		} else if err := fc.writeFrame(frameData, data); err != nil {
			sendOK = false
		}
	}
	if sendOK {
		sendOK = fc.writeFrame(frameStatus, marshalStatus(out.st)) == nil
	}
	t.queue.Post(Event{Token: u.tok, OK: sendOK})
}

// claimUnary blocks until an armed unary slot is available or the transport
// shuts down.
func (t *TCPTransport[Req, Resp]) claimUnary() (*tcpUnary[Req, Resp], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.unary) == 0 && !t.down {
		t.cond.Wait()
	}
	if t.down {
		return nil, false
	}
	u := t.unary[len(t.unary)-1]
	t.unary = t.unary[:len(t.unary)-1]
	return u, true
}

// tcpStream is one armed (and, once claimed, accepted) stream session.
type tcpStream[Req, Resp any] struct {
	t       *TCPTransport[Req, Resp]
	tok     Token
	conn    net.Conn
	fc      *frameConn
	inbound chan Req      // decoded caller messages, closed on half-close
	aborted chan struct{} // closed on connection error
	once    sync.Once
}

// RequestStream implements [StreamTransport].
func (t *TCPTransport[Req, Resp]) RequestStream(tok Token) StreamCall[Req, Resp] {
	s := &tcpStream[Req, Resp]{
		t:       t,
		tok:     tok,
		inbound: make(chan Req, 1),
		aborted: make(chan struct{}),
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

// serveStreamConn binds one streaming connection to an armed context and
// pumps decoded inbound messages until half-close or connection error.
func (t *TCPTransport[Req, Resp]) serveStreamConn(conn net.Conn, fc *frameConn) {
	t.mu.Lock()
	for len(t.streams) == 0 && !t.down {
		t.cond.Wait()
	}
	if t.down {
		t.mu.Unlock()
		t.closeConn(conn)
		return
	}
	s := t.streams[len(t.streams)-1]
	t.streams = t.streams[:len(t.streams)-1]
	s.conn = conn
	s.fc = fc
	t.queue.Post(Event{Token: s.tok, OK: true})
	t.mu.Unlock()

	for {
		kind, payload, err := fc.readFrame()
		if err != nil {
			s.abort()
			return
		}
		switch kind {
		case frameData:
			var req Req
			if err := t.reqCodec.Unmarshal(payload, &req); err != nil {
				slog.Debug("tcp transport: bad stream message", "err", err)
				s.abort()
				return
			}
			select {
			case s.inbound <- req:
			case <-t.downCh:
				s.abort()
				return
			}
		case frameHalfClose:
			close(s.inbound)
			return
		default:
			slog.Warn("tcp transport: unexpected stream frame", "kind", uint8(kind))
			s.abort()
			return
		}
	}
}

// abort tears the session down after a connection failure; in-flight and
// subsequent operations observe it and fail.
func (s *tcpStream[Req, Resp]) abort() {
	s.once.Do(func() {
		close(s.aborted)
		s.t.closeConn(s.conn)
	})
}

// Read implements [StreamCall].
func (s *tcpStream[Req, Resp]) Read(req *Req, tok Token) {
	go func() {
		select {
		case r, ok := <-s.inbound:
			if !ok {
				s.t.queue.Post(Event{Token: tok, OK: false})
				return
			}
			*req = r
			s.t.queue.Post(Event{Token: tok, OK: true})
		case <-s.aborted:
			s.t.queue.Post(Event{Token: tok, OK: false})
		case <-s.t.downCh:
			s.t.queue.Post(Event{Token: tok, OK: false})
		}
	}()
}

// Write implements [StreamCall].
func (s *tcpStream[Req, Resp]) Write(resp *Resp, tok Token) {
	go func() {
		data, err := s.t.respCodec.Marshal(resp)
		if err != nil {
			slog.Error("tcp transport: response marshal failed", "err", err)
			s.t.queue.Post(Event{Token: tok, OK: false})
			return
		}
		if err := s.fc.writeFrame(frameData, data); err != nil {
			s.t.queue.Post(Event{Token: tok, OK: false})
			return
		}
		s.t.queue.Post(Event{Token: tok, OK: true})
	}()
}

// Finish implements [StreamCall]. Writing the terminal status ends the call;
// the connection is closed once the frame is out.
func (s *tcpStream[Req, Resp]) Finish(st *status.Status, tok Token) {
	go func() {
		err := s.fc.writeFrame(frameStatus, marshalStatus(st))
		s.once.Do(func() {
			close(s.aborted)
			s.t.closeConn(s.conn)
		})
		s.t.queue.Post(Event{Token: tok, OK: err == nil})
	}()
}

// Shutdown implements the transport side of engine teardown: the listener
// and all open connections are closed and every armed operation fails.
func (t *TCPTransport[Req, Resp]) Shutdown() {
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
	ln := t.ln
	conns := make([]net.Conn, 0, len(t.conns))
	for conn := range t.conns {
		conns = append(conns, conn)
	}
	close(t.downCh)
	t.cond.Broadcast()
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	for _, u := range unary {
		t.queue.Post(Event{Token: u.tok, OK: false})
	}
	for _, s := range streams {
		t.queue.Post(Event{Token: s.tok, OK: false})
	}
}
