package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

// TracerName is the instrumentation name used by every span in the gateway.
const TracerName = "payload-gateway"

// Init initializes tracing and returns a shutdown function. Tracing is disabled when no tracing URL is configured.
func Init(cfg config.Observability, logger log.Logger) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if cfg.TracingURL == "" {
		level.Info(logger).Log("msg", "tracing disabled, no tracing url configured")
		return func() {}, nil
	}

	// Create an OTLP trace exporter
	client := otlptracehttp.NewClient(endpointOptions(cfg.TracingURL)...)
	traceExporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			level.Error(logger).Log("msg", "error shutting down tracer provider", "err", err)
		}
	}, nil
}

func endpointOptions(tracingURL string) []otlptracehttp.Option {
	if strings.HasPrefix(tracingURL, "http://") || strings.HasPrefix(tracingURL, "https://") {
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(tracingURL)}
	}
	return []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(tracingURL),
		otlptracehttp.WithInsecure(),
	}
}
