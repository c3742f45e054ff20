// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"fmt"
	"sync"

	"github.com/Query-farm/cq-serve/cqserve"
	"google.golang.org/grpc/status"
)

// Payload is the message type the conformance engine echoes.
type Payload struct {
	Data []byte
}

// opKind is one recorded transport operation.
type opKind int

const (
	opArmUnary opKind = iota
	opFinishUnary
	opArmStream
	opRead
	opWrite
	opFinishStream
)

func (k opKind) String() string {
	switch k {
	case opArmUnary:
		return "arm-unary"
	case opFinishUnary:
		return "finish-unary"
	case opArmStream:
		return "arm-stream"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opFinishStream:
		return "finish-stream"
	}
	return "unknown"
}

// genState tracks the operation sequence of one context generation.
type genState struct {
	ops      []opKind
	finished bool
}

// Checker wraps an in-process transport and validates the operation grammar
// each call context follows. It is safe for concurrent use.
type Checker struct {
	inner *cqserve.Inproc[Payload, Payload]

	mu         sync.Mutex
	gens       map[cqserve.Token]*genState
	lastGen    map[uint32]uint32 // highest generation armed per slot index
	armCount   int64
	violations []string
}

// NewChecker wraps inner with conformance checking.
func NewChecker(inner *cqserve.Inproc[Payload, Payload]) *Checker {
	return &Checker{
		inner:   inner,
		gens:    map[cqserve.Token]*genState{},
		lastGen: map[uint32]uint32{},
	}
}

// Violations returns every grammar violation observed so far.
func (c *Checker) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

// ArmCount returns the total number of arm operations observed.
func (c *Checker) ArmCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armCount
}

func (c *Checker) violatef(format string, args ...any) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

// recordArm validates that a fresh token opens each generation exactly once
// and that generations per slot never move backwards.
func (c *Checker) recordArm(kind opKind, tok cqserve.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armCount++
	if _, ok := c.gens[tok]; ok {
		c.violatef("%s: token %#x reused for a second call", kind, uint64(tok))
		return
	}
	index := uint32(tok)
	gen := uint32(tok >> 32)
	if last, ok := c.lastGen[index]; ok && gen <= last {
		c.violatef("%s: slot %d generation went from %d to %d", kind, index, last, gen)
	}
	c.lastGen[index] = gen
	c.gens[tok] = &genState{ops: []opKind{kind}}
}

// recordOp validates one mid-call operation against the per-generation
// grammar.
func (c *Checker) recordOp(kind opKind, tok cqserve.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[tok]
	if !ok {
		c.violatef("%s: operation with unknown token %#x", kind, uint64(tok))
		return
	}
	if g.finished {
		c.violatef("%s: operation after finish on token %#x", kind, uint64(tok))
		return
	}
	prev := g.ops[len(g.ops)-1]
	switch kind {
	case opFinishUnary:
		if prev != opArmUnary {
			c.violatef("finish-unary after %s on token %#x", prev, uint64(tok))
		}
		g.finished = true
	case opRead:
		if prev != opArmStream && prev != opWrite {
			c.violatef("read after %s on token %#x", prev, uint64(tok))
		}
	case opWrite:
		if prev != opRead {
			c.violatef("write after %s on token %#x", prev, uint64(tok))
		}
	case opFinishStream:
		if prev != opRead && prev != opWrite {
			c.violatef("finish-stream after %s on token %#x", prev, uint64(tok))
		}
		g.finished = true
	}
	g.ops = append(g.ops, kind)
}

// RequestUnary implements [cqserve.UnaryTransport].
func (c *Checker) RequestUnary(req *Payload, tok cqserve.Token) cqserve.UnaryCall[Payload] {
	c.recordArm(opArmUnary, tok)
	return checkedUnaryCall{c: c, inner: c.inner.RequestUnary(req, tok)}
}

type checkedUnaryCall struct {
	c     *Checker
	inner cqserve.UnaryCall[Payload]
}

func (u checkedUnaryCall) Finish(resp *Payload, st *status.Status, tok cqserve.Token) {
	u.c.recordOp(opFinishUnary, tok)
	u.inner.Finish(resp, st, tok)
}

// RequestStream implements [cqserve.StreamTransport].
func (c *Checker) RequestStream(tok cqserve.Token) cqserve.StreamCall[Payload, Payload] {
	c.recordArm(opArmStream, tok)
	return &checkedStreamCall{c: c, inner: c.inner.RequestStream(tok)}
}

type checkedStreamCall struct {
	c     *Checker
	inner cqserve.StreamCall[Payload, Payload]
}

func (s *checkedStreamCall) Read(req *Payload, tok cqserve.Token) {
	s.c.recordOp(opRead, tok)
	s.inner.Read(req, tok)
}

func (s *checkedStreamCall) Write(resp *Payload, tok cqserve.Token) {
	s.c.recordOp(opWrite, tok)
	s.inner.Write(resp, tok)
}

func (s *checkedStreamCall) Finish(st *status.Status, tok cqserve.Token) {
	s.c.recordOp(opFinishStream, tok)
	s.inner.Finish(st, tok)
}

// Shutdown implements the transport teardown surface.
func (c *Checker) Shutdown() {
	c.inner.Shutdown()
}
