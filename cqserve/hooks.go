// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"context"

	"google.golang.org/grpc/status"
)

// Method type string constants for DispatchInfo.MethodType.
const (
	DispatchMethodUnary  = "unary"
	DispatchMethodStream = "stream"
)

// DispatchHook provides observability callpoints around call dispatch.
// Implementations must be safe for concurrent use: dispatcher workers invoke
// hooks in parallel for distinct calls. Hook panics are recovered and logged;
// they never disturb the call being served.
type DispatchHook interface {
	// OnCallStart is invoked when a call has been received, before the first
	// handler invocation. The returned context is threaded through to
	// OnCallEnd; the returned token is opaque to the engine.
	OnCallStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	// OnCallEnd is invoked when the call reaches its terminal state. st is
	// the status attached to the terminal operation.
	OnCallEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, st *status.Status)
}

// HookToken is an opaque value returned by OnCallStart and passed back to
// OnCallEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries call metadata passed to hooks.
type DispatchInfo struct {
	Method     string // registered method name
	MethodType string // DispatchMethodUnary or DispatchMethodStream
	ServerID   string // server identifier
}

// CallStatistics holds per-call message counters.
type CallStatistics struct {
	InboundMessages  int64
	OutboundMessages int64
}

// RecordInbound records one received message.
func (s *CallStatistics) RecordInbound() { s.InboundMessages++ }

// RecordOutbound records one sent message.
func (s *CallStatistics) RecordOutbound() { s.OutboundMessages++ }
