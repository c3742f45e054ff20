// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import "google.golang.org/grpc/status"

// Transport interfaces consumed by the engine. Every method arms exactly one
// asynchronous operation whose outcome is later posted to the engine's
// completion queue as an [Event] carrying the given token. Implementations
// must tolerate arming after Shutdown by posting a failed completion for the
// operation instead of blocking or panicking: the dispatcher may race one
// last rearm against transport teardown, and the failed event is what
// retires that context.

// Handler is the business-logic hook: it produces a response and a terminal
// status for one received request. Handlers are invoked synchronously on a
// dispatcher worker, so they must be fast and non-blocking, and they must not
// retain references to the request or response buffers after returning. A
// nil status is treated as OK.
type Handler[Req, Resp any] func(req *Req) (*Resp, *status.Status)

// UnaryTransport accepts single-response calls.
type UnaryTransport[Req, Resp any] interface {
	// RequestUnary arms receipt of one inbound unary call. When the armed
	// operation completes successfully the request has been decoded into
	// req and the returned call handle is valid for Finish.
	RequestUnary(req *Req, tok Token) UnaryCall[Resp]
	// Shutdown stops accepting new calls and fails every armed operation.
	Shutdown()
}

// UnaryCall sends the terminal response for one unary call.
type UnaryCall[Resp any] interface {
	// Finish arms the send of the response and terminal status.
	Finish(resp *Resp, st *status.Status, tok Token)
}

// StreamTransport accepts bidirectional streaming calls.
type StreamTransport[Req, Resp any] interface {
	// RequestStream arms acceptance of one inbound streaming call.
	RequestStream(tok Token) StreamCall[Req, Resp]
	// Shutdown stops accepting new calls and fails every armed operation.
	Shutdown()
}

// StreamCall is one accepted bidirectional stream session. Operations are
// issued strictly one at a time by the owning call context.
type StreamCall[Req, Resp any] interface {
	// Read arms receipt of the next inbound message into req. The armed
	// operation fails when the peer has closed its send direction.
	Read(req *Req, tok Token)
	// Write arms the send of one outbound message.
	Write(resp *Resp, tok Token)
	// Finish arms the send of the terminal status, ending the stream.
	Finish(st *status.Status, tok Token)
}
