// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestProcessSimpleCall(t *testing.T) {
	resp, st := ProcessSimpleCall(&SimpleRequest{ResponseSize: 100})
	require.Equal(t, codes.OK, st.Code())
	assert.Len(t, resp.Payload, 100)

	resp, st = ProcessSimpleCall(&SimpleRequest{ResponseSize: 0})
	require.Equal(t, codes.OK, st.Code())
	assert.Empty(t, resp.Payload)

	resp, st = ProcessSimpleCall(&SimpleRequest{ResponseSize: -1})
	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "error creating payload", st.Message())
}

func TestRequestCodecRoundTrip(t *testing.T) {
	in := SimpleRequest{ResponseSize: 64, Payload: []byte("abc")}
	data, err := (RequestCodec{}).Marshal(&in)
	require.NoError(t, err)

	var out SimpleRequest
	require.NoError(t, (RequestCodec{}).Unmarshal(data, &out))
	assert.Equal(t, in.ResponseSize, out.ResponseSize)
	assert.Equal(t, in.Payload, out.Payload)

	assert.Error(t, (RequestCodec{}).Unmarshal([]byte{1, 2}, &out))
}

func TestRunLoadUnary(t *testing.T) {
	f, err := NewFixture(Config{Workers: 2, UnaryContexts: 8})
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rep, err := RunLoad(ctx, f, LoadConfig{
		Callers:        4,
		CallsPerCaller: 25,
		RequestSize:    100,
		ResponseSize:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Calls)
	assert.Positive(t, rep.QPS)
}

func TestRunLoadStreaming(t *testing.T) {
	f, err := NewFixture(Config{Workers: 2, StreamContexts: 8})
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rep, err := RunLoad(ctx, f, LoadConfig{
		Callers:           4,
		CallsPerCaller:    10,
		RequestSize:       64,
		ResponseSize:      64,
		MessagesPerStream: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 40, rep.Calls)
}

func BenchmarkUnary(b *testing.B) {
	f, err := NewFixture(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer f.Close()

	ctx := context.Background()
	req := SimpleRequest{ResponseSize: 100, Payload: make([]byte, 100)}
	b.ResetTimer()
	for b.Loop() {
		if _, _, err := f.Transport.InvokeUnary(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnaryParallel(b *testing.B) {
	f, err := NewFixture(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer f.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		req := SimpleRequest{ResponseSize: 100, Payload: make([]byte, 100)}
		for pb.Next() {
			if _, _, err := f.Transport.InvokeUnary(ctx, req); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkStreamMessage(b *testing.B) {
	f, err := NewFixture(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	defer f.Close()

	ctx := context.Background()
	sc, err := f.Transport.OpenStream(ctx)
	if err != nil {
		b.Fatal(err)
	}
	req := SimpleRequest{ResponseSize: 100, Payload: make([]byte, 100)}
	b.ResetTimer()
	for b.Loop() {
		if err := sc.Send(ctx, req); err != nil {
			b.Fatal(err)
		}
		if _, err := sc.Recv(ctx); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	sc.CloseSend()
}
