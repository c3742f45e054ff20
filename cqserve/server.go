// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// serverState is the lifecycle phase of a Server. It is guarded by the
// server mutex; workers read it under that lock before re-arming a finished
// context, and Shutdown writes it once.
type serverState int

const (
	// stateIdle: the registration window, before Start.
	stateIdle serverState = iota
	// stateServing: workers are draining the completion queue.
	stateServing
	// stateShutdown: no context may be re-armed; workers are exiting.
	stateShutdown
)

// shutdowner is the slice of the transport surface the lifecycle controller
// needs: stop accepting new calls and fail armed operations.
type shutdowner interface {
	Shutdown()
}

// Server coordinates the engine lifecycle: it owns the completion queue, the
// pre-created call contexts, and the fixed pool of dispatcher workers.
//
// Usage: create the server, register call contexts with [RegisterUnary] and
// [RegisterStream], then Start. Shutdown blocks until every worker has
// exited and every context is retired.
type Server struct {
	queue    *CompletionQueue
	registry contextRegistry
	serverID string
	workers  int
	hook     DispatchHook

	mu         sync.Mutex
	state      serverState
	transports []shutdowner
	wg         sync.WaitGroup
}

// NewServer creates a server draining the given completion queue. The queue
// must be the same one the registered transports post their events to.
func NewServer(queue *CompletionQueue) *Server {
	return &Server{queue: queue}
}

// SetServerID sets a server identifier included in hook dispatch info.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// SetWorkers sets the number of dispatcher workers launched by Start.
// Values below one select runtime.NumCPU(). Must be called before Start.
func (s *Server) SetWorkers(n int) {
	s.workers = n
}

// SetDispatchHook registers a hook called around each served call.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.hook = hook
}

// RegisterUnary pre-creates count single-response call contexts named method,
// served by handler over t, and arms each one to accept an inbound call.
// Registration must complete before Start.
func RegisterUnary[Req, Resp any](s *Server, method string, t UnaryTransport[Req, Resp], count int, handler Handler[Req, Resp]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyServing
	}
	s.trackTransportLocked(t)
	for range count {
		c := &unaryContext[Req, Resp]{server: s, transport: t, handler: handler, method: method}
		c.slot = s.registry.add(c)
		c.arm()
	}
	return nil
}

// RegisterStream pre-creates count streaming call contexts named method,
// served by handler over t, and arms each one to accept an inbound stream.
// Registration must complete before Start.
func RegisterStream[Req, Resp any](s *Server, method string, t StreamTransport[Req, Resp], count int, handler Handler[Req, Resp]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return ErrAlreadyServing
	}
	s.trackTransportLocked(t)
	for range count {
		c := &streamContext[Req, Resp]{server: s, transport: t, handler: handler, method: method}
		c.slot = s.registry.add(c)
		c.arm()
	}
	return nil
}

// trackTransportLocked remembers each distinct transport so Shutdown can
// stop its intake exactly once.
func (s *Server) trackTransportLocked(t shutdowner) {
	for _, existing := range s.transports {
		if existing == t {
			return
		}
	}
	s.transports = append(s.transports, t)
}

// Start launches the dispatcher workers. Completion events produced by
// already-armed contexts simply wait on the queue until workers begin
// draining it.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateServing:
		return ErrAlreadyServing
	case stateShutdown:
		return ErrShutdown
	}
	if len(s.registry.slots) == 0 {
		return ErrNothingRegistered
	}

	n := s.workers
	if n < 1 {
		n = runtime.NumCPU()
	}
	s.state = stateServing
	for range n {
		s.wg.Add(1)
		go s.worker()
	}
	slog.Debug("cqserve: dispatcher started", "workers", n, "contexts", len(s.registry.slots))
	return nil
}

// worker is one dispatcher loop: pull the next completion event, resolve it
// to the owning call context, advance that context, and recycle it when it
// reaches a terminal state.
func (s *Server) worker() {
	defer s.wg.Done()
	for {
		ev, ok := s.queue.Next()
		if !ok {
			return
		}
		ctx := s.registry.resolve(ev.Token)
		if ctx == nil {
			slog.Warn("cqserve: dropping completion event with stale token", "token", uint64(ev.Token), "ok", ev.OK)
			continue
		}
		if ctx.advance(ev.OK) {
			continue
		}
		// Terminal. The rearm decision must happen under the same lock that
		// guards the lifecycle flag, so a context can never re-register
		// against a transport that shutdown is about to close.
		s.mu.Lock()
		if s.state == stateServing {
			ctx.rearm()
		}
		s.mu.Unlock()
	}
}

// Shutdown stops the engine: transport intake first, then the lifecycle flag
// and the completion queue are flipped atomically with respect to any
// worker's rearm decision, then workers are joined and every context is
// retired. Shutdown is idempotent and blocks until teardown is complete.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.state == stateShutdown {
		s.mu.Unlock()
		return
	}
	transports := make([]shutdowner, len(s.transports))
	copy(transports, s.transports)
	s.mu.Unlock()

	// Stop accepting new transport-level work. Armed operations fail with
	// ok=false events that drain through the queue below.
	for _, t := range transports {
		t.Shutdown()
	}

	s.mu.Lock()
	if s.state == stateShutdown {
		// Lost a shutdown race after the unlocked transport stop.
		s.mu.Unlock()
		return
	}
	s.state = stateShutdown
	s.queue.Close()
	s.mu.Unlock()

	s.wg.Wait()

	for _, sl := range s.registry.slots {
		sl.ctx.release()
	}
	slog.Debug("cqserve: dispatcher stopped", "contexts", len(s.registry.slots))
}

// callStart invokes the dispatch hook, recovering hook panics so they never
// disturb the call being served. The returned context is nil when no hook is
// installed; callEnd treats that as "hook never started".
func (s *Server) callStart(info DispatchInfo) (context.Context, HookToken) {
	if s.hook == nil {
		return nil, nil
	}
	ctx := context.Background()
	var token HookToken
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				slog.Error("cqserve: dispatch hook start panic", "err", rv)
			}
		}()
		hookCtx, t := s.hook.OnCallStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		token = t
	}()
	return ctx, token
}

// callEnd invokes the dispatch hook's end callpoint, panic-safe.
func (s *Server) callEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, st *status.Status) {
	if s.hook == nil || ctx == nil {
		return
	}
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				slog.Error("cqserve: dispatch hook end panic", "err", rv)
			}
		}()
		s.hook.OnCallEnd(ctx, token, info, stats, st)
	}()
}

// orOK normalizes a handler's nil status to OK.
func orOK(st *status.Status) *status.Status {
	if st == nil {
		return status.New(codes.OK, "")
	}
	return st
}
