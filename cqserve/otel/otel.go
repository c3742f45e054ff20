// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package cqotel provides OpenTelemetry instrumentation for cq-serve engines.
// It implements the [cqserve.DispatchHook] interface to add distributed
// tracing and metrics to call dispatch.
//
// Usage:
//
//	server := cqserve.NewServer(queue)
//	// ... register call contexts ...
//	cqotel.InstrumentServer(server, cqotel.DefaultConfig())
package cqotel

import (
	"context"
	"fmt"
	"time"

	"github.com/Query-farm/cq-serve/cqserve"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const instrumentationName = "cq_serve"

// OtelConfig configures OpenTelemetry instrumentation for a cq-serve server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// ServiceName is the rpc.service attribute value. Defaults to "CqServe".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider and MeterProvider are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing: true,
		EnableMetrics: true,
	}
}

// InstrumentServer attaches OpenTelemetry instrumentation to a cq-serve
// server. The hook is installed via [cqserve.Server.SetDispatchHook].
func InstrumentServer(server *cqserve.Server, cfg OtelConfig) {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "CqServe"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.callCounter, _ = meter.Int64Counter("rpc.server.calls",
			metric.WithUnit("{call}"),
			metric.WithDescription("Number of served calls"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of served calls"),
		)
	}

	server.SetDispatchHook(hook)
}

// otelHook implements cqserve.DispatchHook with OpenTelemetry tracing and
// metrics.
type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	callCounter       metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnCallStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnCallStart starts a server span for the inbound call.
func (h *otelHook) OnCallStart(ctx context.Context, info cqserve.DispatchInfo) (context.Context, cqserve.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	spanName := fmt.Sprintf("cq_serve/%s", info.Method)

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "cq_serve"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.cq_serve.method_type", info.MethodType),
		attribute.String("rpc.cq_serve.server_id", info.ServerID),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnCallEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnCallEnd(ctx context.Context, token cqserve.HookToken, info cqserve.DispatchInfo, stats *cqserve.CallStatistics, st *status.Status) {
	tok, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(tok.startTime)

	code := grpccodes.OK
	if st != nil {
		code = st.Code()
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "cq_serve"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.cq_serve.method_type", info.MethodType),
			attribute.String("rpc.grpc.status_code", code.String()),
		)
		if h.callCounter != nil {
			h.callCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if tok.span != nil && tok.span.IsRecording() {
		if stats != nil {
			tok.span.SetAttributes(
				attribute.Int64("rpc.cq_serve.inbound_messages", stats.InboundMessages),
				attribute.Int64("rpc.cq_serve.outbound_messages", stats.OutboundMessages),
			)
		}

		tok.span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
		if code != grpccodes.OK {
			tok.span.SetStatus(otelcodes.Error, st.Message())
		} else {
			tok.span.SetStatus(otelcodes.Ok, "")
		}

		tok.span.End()
	}
}
