// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package cqserve implements an asynchronous request-serving engine for
// completion-queue style RPC transports: a fixed pool of dispatcher workers
// drains a shared completion queue, demultiplexes each event to the in-flight
// call that armed the operation, and advances that call's state machine until
// it reaches a terminal state and is recycled for the next call.
//
// # Model
//
// Every asynchronous transport operation (receiving a call, reading or
// writing a stream message, sending the terminal status) is "armed" with a
// correlation [Token] and later yields exactly one [Event] on the engine's
// [CompletionQueue]. A call context never has more than one operation in
// flight, so its state is owned exclusively by whichever worker is processing
// its current event and the next state is a pure function of (current state,
// event success).
//
// Two call variants are provided:
//
//   - Single-response: receive one request, invoke the registered [Handler]
//     synchronously, send one response with a terminal status. Register with
//     [RegisterUnary].
//   - Streaming: an unbounded lockstep sequence of reads and writes, one
//     handler invocation per received message, finished when the peer closes
//     its send direction. Register with [RegisterStream].
//
// Contexts are pre-created at registration time, so inbound calls always find
// an armed slot and the dispatch hot path performs no allocation. A finished
// context is reset in place and re-armed; during shutdown the reset decision
// and the lifecycle flag are guarded by a single lock so no context is ever
// re-armed against a closing transport.
//
// # Transports
//
// The engine consumes transports through the [UnaryTransport] and
// [StreamTransport] interfaces and never inspects payload bytes. Two
// reference implementations ship with the package: [Inproc], an in-process
// loopback used by tests and benchmarks, and [TCPTransport], a
// connection-per-call TCP protocol with optional zstd frame compression.
//
// # Handlers and status
//
// Business logic is a plain function from request to (response, status),
// invoked synchronously on a dispatcher worker. It must be fast and
// non-blocking, and must not retain references to the request or response
// buffers after returning. Status values use google.golang.org/grpc/status;
// a nil status means OK, and a non-OK status is delivered to the caller with
// the terminal operation unmodified.
//
// # Observability
//
// A [DispatchHook] receives panic-safe callbacks around each served call.
// The cqotel subpackage implements the hook with OpenTelemetry tracing and
// metrics.
package cqserve
