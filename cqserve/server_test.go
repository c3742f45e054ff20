// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqserve

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestServerStartRequiresRegistration(t *testing.T) {
	srv := NewServer(NewCompletionQueue())
	assert.ErrorIs(t, srv.Start(), ErrNothingRegistered)
}

func TestServerRegisterAfterStartRejected(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	tr := NewInproc[testReq, testResp](q)
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 1, echoHandler))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	err := RegisterUnary(srv, "test.Echo2", UnaryTransport[testReq, testResp](tr), 1, echoHandler)
	assert.ErrorIs(t, err, ErrAlreadyServing)
	assert.ErrorIs(t, srv.Start(), ErrAlreadyServing)
}

func TestServerStartAfterShutdownRejected(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	tr := NewInproc[testReq, testResp](q)
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 1, echoHandler))
	require.NoError(t, srv.Start())
	srv.Shutdown()
	assert.ErrorIs(t, srv.Start(), ErrShutdown)
}

func TestServerUnaryEcho(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(2)
	tr := NewInproc[testReq, testResp](q)

	var handled atomic.Int64
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 4, func(req *testReq) (*testResp, *status.Status) {
		handled.Add(1)
		return &testResp{Payload: req.Payload}, nil
	}))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte{0xAB}, 100)
	resp, st, err := tr.InvokeUnary(ctx, testReq{Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, payload, resp.Payload)
	assert.Equal(t, codes.OK, st.Code())
	assert.Equal(t, int64(1), handled.Load())
}

func TestServerUnaryErrorStatus(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	tr := NewInproc[testReq, testResp](q)
	require.NoError(t, RegisterUnary(srv, "test.Fail", UnaryTransport[testReq, testResp](tr), 1, func(req *testReq) (*testResp, *status.Status) {
		return nil, status.New(codes.Internal, "error creating payload")
	}))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, st, err := tr.InvokeUnary(ctx, testReq{})
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "error creating payload", st.Message())
}

// One context, many sequential calls: proves terminal contexts are recycled
// in place rather than consumed.
func TestServerContextRecycling(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(1)
	tr := NewInproc[testReq, testResp](q)

	var handled atomic.Int64
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 1, func(req *testReq) (*testResp, *status.Status) {
		handled.Add(1)
		return &testResp{Payload: req.Payload}, nil
	}))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const calls = 200
	for i := range calls {
		resp, st, err := tr.InvokeUnary(ctx, testReq{Payload: []byte{byte(i)}})
		require.NoError(t, err)
		require.Equal(t, codes.OK, st.Code())
		require.Equal(t, []byte{byte(i)}, resp.Payload)
	}
	assert.Equal(t, int64(calls), handled.Load())
}

// Handlers must run exactly once per request even under concurrent callers
// and multiple dispatcher workers.
func TestServerUnaryConcurrentExactlyOnce(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(4)
	tr := NewInproc[testReq, testResp](q)

	var handled atomic.Int64
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 8, func(req *testReq) (*testResp, *status.Status) {
		handled.Add(1)
		return &testResp{Payload: req.Payload}, nil
	}))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const callers = 16
	const perCaller = 50
	var g errgroup.Group
	for c := range callers {
		g.Go(func() error {
			for i := range perCaller {
				payload := []byte{byte(c), byte(i)}
				resp, st, err := tr.InvokeUnary(ctx, testReq{Payload: payload})
				if err != nil {
					return err
				}
				if st.Code() != codes.OK {
					return status.ErrorProto(st.Proto())
				}
				if !bytes.Equal(payload, resp.Payload) {
					return assert.AnError
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(callers*perCaller), handled.Load())
}

func TestServerStreamEcho(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(2)
	tr := NewInproc[testReq, testResp](q)

	require.NoError(t, RegisterStream(srv, "test.EchoStream", StreamTransport[testReq, testResp](tr), 2, echoHandler))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sc, err := tr.OpenStream(ctx)
	require.NoError(t, err)

	for i := range 3 {
		msg := []byte{byte(i + 10)}
		require.NoError(t, sc.Send(ctx, testReq{Payload: msg}))
		resp, err := sc.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, resp.Payload)
	}
	sc.CloseSend()
	_, err = sc.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NotNil(t, sc.Status())
	assert.Equal(t, codes.OK, sc.Status().Code())
}

func TestServerStreamSequentialSessions(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(1)
	tr := NewInproc[testReq, testResp](q)

	require.NoError(t, RegisterStream(srv, "test.EchoStream", StreamTransport[testReq, testResp](tr), 1, echoHandler))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for range 20 {
		sc, err := tr.OpenStream(ctx)
		require.NoError(t, err)
		require.NoError(t, sc.Send(ctx, testReq{Payload: []byte("m")}))
		_, err = sc.Recv(ctx)
		require.NoError(t, err)
		sc.CloseSend()
		_, err = sc.Recv(ctx)
		require.ErrorIs(t, err, io.EOF)
	}
}

// countingUnaryTransport wraps Inproc to count how many times contexts arm.
type countingUnaryTransport struct {
	inner UnaryTransport[testReq, testResp]
	arms  atomic.Int64
}

func (c *countingUnaryTransport) RequestUnary(req *testReq, tok Token) UnaryCall[testResp] {
	c.arms.Add(1)
	return c.inner.RequestUnary(req, tok)
}

func (c *countingUnaryTransport) Shutdown() { c.inner.Shutdown() }

// After Shutdown returns, no context may re-register with a transport.
func TestServerNoRearmAfterShutdown(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(2)
	inner := NewInproc[testReq, testResp](q)
	tr := &countingUnaryTransport{inner: inner}

	const contexts = 4
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), contexts, echoHandler))
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 10 {
		_, _, err := inner.InvokeUnary(ctx, testReq{Payload: []byte("x")})
		require.NoError(t, err)
	}

	srv.Shutdown()
	after := tr.arms.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, tr.arms.Load(), "no context may arm after shutdown completes")
	assert.GreaterOrEqual(t, after, int64(contexts+10), "each served call rearms its context")
}

// Shutdown while calls are in flight: teardown must complete without panics
// and every caller must either finish normally or observe the aborted call.
func TestServerShutdownWithInFlightCalls(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(2)
	tr := NewInproc[testReq, testResp](q)

	release := make(chan struct{})
	started := make(chan struct{}, 16)
	require.NoError(t, RegisterUnary(srv, "test.Slow", UnaryTransport[testReq, testResp](tr), 8, func(req *testReq) (*testResp, *status.Status) {
		started <- struct{}{}
		<-release
		return &testResp{Payload: req.Payload}, nil
	}))
	require.NoError(t, srv.Start())

	var g errgroup.Group
	for range 5 {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _, err := tr.InvokeUnary(ctx, testReq{Payload: []byte("y")})
			if err != nil && err != ErrTransportClosed && err != context.DeadlineExceeded {
				return err
			}
			return nil
		})
	}

	// Wait until the in-flight calls have reached their handlers.
	for range 5 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handlers never started")
		}
	}

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()
	// Shutdown must wait for workers, which are blocked inside handlers.
	select {
	case <-done:
		t.Fatal("shutdown returned while handlers were still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown never completed")
	}
	require.NoError(t, g.Wait())
}

func TestServerShutdownIdempotentAndConcurrent(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	tr := NewInproc[testReq, testResp](q)
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 2, echoHandler))
	require.NoError(t, srv.Start())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}
	wg.Wait()
	srv.Shutdown()
}

func TestServerShutdownBeforeStart(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	tr := NewInproc[testReq, testResp](q)
	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 2, echoHandler))
	// No workers were ever launched; teardown must still retire cleanly.
	srv.Shutdown()
	assert.ErrorIs(t, srv.Start(), ErrShutdown)
}

func TestServerMixedUnaryAndStream(t *testing.T) {
	q := NewCompletionQueue()
	srv := NewServer(q)
	srv.SetWorkers(3)
	srv.SetServerID("mixed")
	hook := &countingHook{}
	srv.SetDispatchHook(hook)
	tr := NewInproc[testReq, testResp](q)

	require.NoError(t, RegisterUnary(srv, "test.Echo", UnaryTransport[testReq, testResp](tr), 4, echoHandler))
	require.NoError(t, RegisterStream(srv, "test.EchoStream", StreamTransport[testReq, testResp](tr), 4, echoHandler))
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range 10 {
				if _, _, err := tr.InvokeUnary(ctx, testReq{Payload: []byte("u")}); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for range 5 {
				sc, err := tr.OpenStream(ctx)
				if err != nil {
					return err
				}
				if err := sc.Send(ctx, testReq{Payload: []byte("s")}); err != nil {
					return err
				}
				if _, err := sc.Recv(ctx); err != nil {
					return err
				}
				sc.CloseSend()
				if _, err := sc.Recv(ctx); err != io.EOF {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	srv.Shutdown()

	assert.Equal(t, hook.starts.Load(), hook.ends.Load(), "every started call must end")
	assert.Equal(t, int64(4*10+4*5), hook.ends.Load())
}

// countingHook is a concurrency-safe hook for end-to-end tests.
type countingHook struct {
	starts atomic.Int64
	ends   atomic.Int64
}

func (h *countingHook) OnCallStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	h.starts.Add(1)
	return ctx, nil
}

func (h *countingHook) OnCallEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, st *status.Status) {
	h.ends.Add(1)
}
