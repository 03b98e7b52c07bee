// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing installs the OpenTelemetry tracer provider used by
// the pipeline's per-batch and per-action spans.
//
// Tracing is opt-in. With no endpoint configured, [Setup] registers
// nothing and the global no-op provider stays in place.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the exporter.
type Config struct {
	// Endpoint is the OTLP/HTTP collector URL, e.g.
	// "http://localhost:4318". Empty disables tracing.
	Endpoint string

	// ServiceName is reported as the service.name resource attribute.
	ServiceName string

	// SampleRatio is the fraction of root spans kept. Zero or
	// anything at or above one samples everything.
	SampleRatio float64
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup creates the exporter and provider and registers them as the
// global tracer provider and propagator. The returned Shutdown must
// be called before exit.
func Setup(ctx context.Context, config Config) (Shutdown, error) {
	if config.Endpoint == "" {
		return noop, nil
	}
	if config.ServiceName == "" {
		return noop, fmt.Errorf("tracing: service name is required")
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(config.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("tracing: creating exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(config.ServiceName)))
	if err != nil {
		return noop, fmt.Errorf("tracing: building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
