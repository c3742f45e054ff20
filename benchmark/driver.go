// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
)

// LoadConfig shapes one closed-loop run: each caller issues its calls one at
// a time, so offered concurrency equals Callers.
type LoadConfig struct {
	// Callers is the number of concurrent closed-loop callers.
	Callers int
	// CallsPerCaller is how many calls each caller issues.
	CallsPerCaller int
	// RequestSize is the request payload size in bytes.
	RequestSize int
	// ResponseSize is the requested response payload size in bytes.
	ResponseSize int32
	// MessagesPerStream switches the driver to streaming calls when positive:
	// each call becomes one stream carrying that many echoed messages.
	MessagesPerStream int
}

// Report summarizes one load run.
type Report struct {
	Calls      int
	Duration   time.Duration
	QPS        float64
	LatencyP50 time.Duration
	LatencyP99 time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("calls=%d duration=%s qps=%.0f p50=%s p99=%s",
		r.Calls, r.Duration.Round(time.Millisecond), r.QPS, r.LatencyP50, r.LatencyP99)
}

// RunLoad drives the fixture with cfg and reports throughput and latency.
func RunLoad(ctx context.Context, f *Fixture, cfg LoadConfig) (Report, error) {
	var mu sync.Mutex
	latencies := make([]time.Duration, 0, cfg.Callers*cfg.CallsPerCaller)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for range cfg.Callers {
		g.Go(func() error {
			local := make([]time.Duration, 0, cfg.CallsPerCaller)
			for range cfg.CallsPerCaller {
				callStart := time.Now()
				var err error
				if cfg.MessagesPerStream > 0 {
					err = runStreamCall(ctx, f, cfg)
				} else {
					err = runUnaryCall(ctx, f, cfg)
				}
				if err != nil {
					return err
				}
				local = append(local, time.Since(callStart))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	rep := Report{
		Calls:    len(latencies),
		Duration: elapsed,
		QPS:      float64(len(latencies)) / elapsed.Seconds(),
	}
	if n := len(latencies); n > 0 {
		rep.LatencyP50 = latencies[n/2]
		rep.LatencyP99 = latencies[n*99/100]
	}
	return rep, nil
}

func runUnaryCall(ctx context.Context, f *Fixture, cfg LoadConfig) error {
	req := SimpleRequest{ResponseSize: cfg.ResponseSize, Payload: make([]byte, cfg.RequestSize)}
	resp, st, err := f.Transport.InvokeUnary(ctx, req)
	if err != nil {
		return err
	}
	if st.Code() != codes.OK {
		return fmt.Errorf("call failed: %s (%s)", st.Message(), st.Code())
	}
	if len(resp.Payload) != int(cfg.ResponseSize) {
		return fmt.Errorf("response payload: got %d bytes, want %d", len(resp.Payload), cfg.ResponseSize)
	}
	return nil
}

func runStreamCall(ctx context.Context, f *Fixture, cfg LoadConfig) error {
	sc, err := f.Transport.OpenStream(ctx)
	if err != nil {
		return err
	}
	req := SimpleRequest{ResponseSize: cfg.ResponseSize, Payload: make([]byte, cfg.RequestSize)}
	for range cfg.MessagesPerStream {
		if err := sc.Send(ctx, req); err != nil {
			return err
		}
		resp, err := sc.Recv(ctx)
		if err != nil {
			return err
		}
		if len(resp.Payload) != int(cfg.ResponseSize) {
			return fmt.Errorf("stream payload: got %d bytes, want %d", len(resp.Payload), cfg.ResponseSize)
		}
	}
	sc.CloseSend()
	if _, err := sc.Recv(ctx); err != io.EOF {
		return fmt.Errorf("expected end of stream, got %v", err)
	}
	if st := sc.Status(); st.Code() != codes.OK {
		return fmt.Errorf("stream finished with %s: %s", st.Code(), st.Message())
	}
	return nil
}
