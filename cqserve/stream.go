// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamPhase names the operation whose completion event drives the next
// transition of a streaming call context.
type streamPhase int

const (
	// streamAccept: stream registration is armed; the pending event reports
	// whether an inbound stream was accepted.
	streamAccept streamPhase = iota
	// streamRead: a message read is in flight. A failed read means the peer
	// closed its send direction.
	streamRead
	// streamWrite: a message write is in flight.
	streamWrite
	// streamFinish: the terminal status send is in flight; its completion is
	// terminal regardless of outcome.
	streamFinish
)

// streamContext serves bidirectional streaming calls as a strict lockstep:
// one read, one handler invocation, one write, repeated until the peer stops
// sending, then one terminal finish.
//
// A failed read or write does not short-circuit: it arms the finish
// operation and reports "more work", so true termination happens one event
// later, on the finish operation's own completion.
type streamContext[Req, Resp any] struct {
	server    *Server
	transport StreamTransport[Req, Resp]
	handler   Handler[Req, Resp]
	method    string
	slot      *slot

	phase streamPhase
	tok   Token
	req   Req
	call  StreamCall[Req, Resp]

	hookCtx   context.Context
	hookToken HookToken
	stats     CallStatistics
	released  bool
}

// arm registers the context with the transport to accept one inbound stream.
func (c *streamContext[Req, Resp]) arm() {
	c.phase = streamAccept
	c.tok = c.slot.token()
	c.call = c.transport.RequestStream(c.tok)
}

func (c *streamContext[Req, Resp]) advance(ok bool) bool {
	switch c.phase {
	case streamAccept:
		if !ok {
			// Registration failed: transport shutting down.
			return false
		}
		c.hookCtx, c.hookToken = c.server.callStart(c.dispatchInfo())
		c.stats = CallStatistics{}
		c.phase = streamRead
		c.call.Read(&c.req, c.tok)
		return true

	case streamRead:
		if ok {
			c.stats.RecordInbound()
			resp, _ := c.handler(&c.req)
			c.stats.RecordOutbound()
			c.phase = streamWrite
			c.call.Write(resp, c.tok)
		} else {
			// Peer closed its send direction; finish the stream.
			c.phase = streamFinish
			c.call.Finish(status.New(codes.OK, ""), c.tok)
		}
		return true

	case streamWrite:
		if ok {
			c.phase = streamRead
			c.call.Read(&c.req, c.tok)
		} else {
			c.phase = streamFinish
			c.call.Finish(status.New(codes.OK, ""), c.tok)
		}
		return true

	case streamFinish:
		c.server.callEnd(c.hookCtx, c.hookToken, c.dispatchInfo(), &c.stats, status.New(codes.OK, ""))
		return false
	}
	return false
}

func (c *streamContext[Req, Resp]) rearm() {
	var zero Req
	c.req = zero
	c.call = nil
	c.hookCtx = nil
	c.hookToken = nil

	c.phase = streamAccept
	c.tok = c.slot.renew()
	c.call = c.transport.RequestStream(c.tok)
}

func (c *streamContext[Req, Resp]) release() {
	if c.released {
		return
	}
	c.released = true
	c.call = nil
}

func (c *streamContext[Req, Resp]) dispatchInfo() DispatchInfo {
	return DispatchInfo{
		Method:     c.method,
		MethodType: DispatchMethodStream,
		ServerID:   c.server.serverID,
	}
}
