// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"context"

	"google.golang.org/grpc/status"
)

// unaryPhase names the operation whose completion event drives the next
// transition of a unary call context.
type unaryPhase int

const (
	// unaryReceive: the context is armed and the pending event reports
	// whether an inbound request was received.
	unaryReceive unaryPhase = iota
	// unaryFinish: the response send is in flight; its completion is
	// terminal regardless of outcome.
	unaryFinish
)

// unaryContext serves single-response calls: one inbound request, one
// synchronous handler invocation, one terminal response send, then recycle.
type unaryContext[Req, Resp any] struct {
	server    *Server
	transport UnaryTransport[Req, Resp]
	handler   Handler[Req, Resp]
	method    string
	slot      *slot

	phase unaryPhase
	tok   Token
	req   Req
	call  UnaryCall[Resp]

	hookCtx   context.Context
	hookToken HookToken
	stats     CallStatistics
	finalSt   *status.Status
	released  bool
}

// arm registers the context with the transport to receive one inbound call.
func (c *unaryContext[Req, Resp]) arm() {
	c.phase = unaryReceive
	c.tok = c.slot.token()
	c.call = c.transport.RequestUnary(&c.req, c.tok)
}

func (c *unaryContext[Req, Resp]) advance(ok bool) bool {
	switch c.phase {
	case unaryReceive:
		if !ok {
			// Receive failed: the transport is shutting down or the call was
			// aborted before arrival. No further I/O for this context.
			return false
		}
		c.hookCtx, c.hookToken = c.server.callStart(c.dispatchInfo())
		c.stats = CallStatistics{}
		c.stats.RecordInbound()

		resp, st := c.handler(&c.req)
		st = orOK(st)
		c.finalSt = st
		if resp != nil {
			// A nil response sends no message, only the terminal status.
			c.stats.RecordOutbound()
		}

		c.phase = unaryFinish
		c.call.Finish(resp, st, c.tok)
		return true

	case unaryFinish:
		c.server.callEnd(c.hookCtx, c.hookToken, c.dispatchInfo(), &c.stats, c.finalSt)
		return false
	}
	return false
}

func (c *unaryContext[Req, Resp]) rearm() {
	var zero Req
	c.req = zero
	c.call = nil
	c.finalSt = nil
	c.hookCtx = nil
	c.hookToken = nil

	c.phase = unaryReceive
	c.tok = c.slot.renew()
	c.call = c.transport.RequestUnary(&c.req, c.tok)
}

func (c *unaryContext[Req, Resp]) release() {
	if c.released {
		return
	}
	c.released = true
	c.call = nil
}

func (c *unaryContext[Req, Resp]) dispatchInfo() DispatchInfo {
	return DispatchInfo{
		Method:     c.method,
		MethodType: DispatchMethodUnary,
		ServerID:   c.server.serverID,
	}
}
