// Package tracing wires up the OpenTelemetry SDK behind the one span
// internal/orchestrator opens per fleet operation (Up, Down, Restart,
// Cleanup, Check, Build). With no endpoint configured, Setup leaves the
// OTel no-op default in place and returns a no-op shutdown. Nothing in
// cmd/jailctl calls Setup, so those spans go to the no-op provider.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the tracer provider; call it during
// process shutdown.
type Shutdown func(ctx context.Context) error

var noopShutdown Shutdown = func(ctx context.Context) error { return nil }

// Setup configures global tracing from endpoint (GlobalConfig's
// otel_endpoint). An empty endpoint leaves the process-wide OTel
// no-op default in place, so every tracer.Start call elsewhere in the
// codebase is a cheap no-op rather than a special case to thread
// through.
func Setup(ctx context.Context, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("constructing otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", "jailctl")))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}
