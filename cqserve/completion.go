// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"
)

// Event is the outcome of one previously armed asynchronous operation.
type Event struct {
	// Token correlates the event with the call context that armed the
	// operation.
	Token Token
	// OK reports whether the operation completed successfully. A false value
	// is the sole cancellation signal in the engine: it conveys stream end,
	// peer disconnect, or listener shutdown, depending on the operation.
	OK bool
}

// CompletionSource yields completion events to the dispatcher workers.
type CompletionSource interface {
	// Next blocks until an event is available and returns it. The second
	// return value is false once the source has been closed and every queued
	// event has been drained; workers exit their loop on that signal.
	Next() (Event, bool)
	// Close stops event delivery. Events already queued are still returned
	// by Next so in-flight calls can observe their final outcomes.
	Close()
}

// CompletionQueue is the engine's CompletionSource: an unbounded blocking
// queue shared by every transport (producers) and every dispatcher worker
// (consumers).
type CompletionQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events *queue.Queue
	closed bool
}

// NewCompletionQueue creates an empty, open completion queue.
func NewCompletionQueue() *CompletionQueue {
	q := &CompletionQueue{events: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post enqueues the outcome of a completed operation. It is safe for
// concurrent use by any number of producers. Events posted after Close are
// dropped; the owning context is retired by the lifecycle controller instead
// of advancing.
func (q *CompletionQueue) Post(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		slog.Debug("completion queue closed, dropping event", "token", uint64(ev.Token), "ok", ev.OK)
		return
	}
	q.events.Add(ev)
	q.cond.Signal()
}

// Next implements [CompletionSource].
func (q *CompletionQueue) Next() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.events.Length() == 0 {
		if q.closed {
			return Event{}, false
		}
		q.cond.Wait()
	}
	return q.events.Remove().(Event), true
}

// Close implements [CompletionSource]. Close is idempotent.
func (q *CompletionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
