// Package tracing wires OTel spans around the daemon's HTTP surface and
// the daemon<>executor transport.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	once     sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
)

// Tracer returns a named tracer. Without OTEL_EXPORTER_OTLP_ENDPOINT in
// the environment every span is a no-op.
func Tracer(name string) trace.Tracer {
	once.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if sdk == nil {
		return nil
	}
	return sdk.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("agor")))
	if err != nil {
		res = resource.Default()
	}

	sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdk
	otel.SetTracerProvider(sdk)
}

// endpointHost strips the scheme, which otlptracehttp.WithEndpoint rejects.
func endpointHost(endpoint string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, scheme) {
			return strings.TrimPrefix(endpoint, scheme)
		}
	}
	return endpoint
}
