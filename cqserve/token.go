// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import "sync/atomic"

// Token is an opaque correlation handle linking a completion event back to
// the call context that armed the operation. It packs a registry slot index
// with a generation counter, so a late event for a slot that has since been
// recycled is detected as stale instead of being misdelivered to the new
// call.
type Token uint64

func makeToken(index, generation uint32) Token {
	return Token(generation)<<32 | Token(index)
}

func (t Token) index() uint32      { return uint32(t) }
func (t Token) generation() uint32 { return uint32(t >> 32) }

// callContext is one pre-created call slot: a per-call state machine driven
// by completion events. At any instant a context has at most one transport
// operation outstanding, so advance is only ever invoked by one worker at a
// time and needs no internal locking.
type callContext interface {
	// advance runs the transition for the operation that just completed,
	// issuing the next operation if there is one. It returns false once the
	// context has reached its terminal state.
	advance(ok bool) bool
	// rearm recycles a terminal context to serve a new call without
	// reallocation: buffers are reinitialized, the token generation is
	// bumped, and the context re-registers with its transport. Only the
	// lifecycle controller's lock holder may call rearm.
	rearm()
	// release permanently retires the context during teardown.
	release()
}

// slot is one arena entry of the context registry.
type slot struct {
	index uint32
	gen   atomic.Uint32
	ctx   callContext
}

// token returns the slot's correlation token for the current call.
func (sl *slot) token() Token { return makeToken(sl.index, sl.gen.Load()) }

// renew bumps the generation, invalidating any token issued for the
// previous call served by this slot.
func (sl *slot) renew() Token { return makeToken(sl.index, sl.gen.Add(1)) }

// contextRegistry is the arena of pre-created call contexts. Slots are
// appended during registration, before any dispatcher worker starts, and are
// never removed, so lookups after startup are lock-free.
type contextRegistry struct {
	slots []*slot
}

func (r *contextRegistry) add(ctx callContext) *slot {
	sl := &slot{index: uint32(len(r.slots)), ctx: ctx}
	r.slots = append(r.slots, sl)
	return sl
}

// resolve maps a token back to its owning call context. It returns nil for
// an out-of-range index or a stale generation.
func (r *contextRegistry) resolve(t Token) callContext {
	i := int(t.index())
	if i >= len(r.slots) {
		return nil
	}
	sl := r.slots[i]
	if sl.gen.Load() != t.generation() {
		return nil
	}
	return sl.ctx
}
