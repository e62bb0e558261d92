// Package otel wires OpenTelemetry tracing for the ledger binaries.
package otel

import (
	"context"
	"strings"

	"github.com/animus-labs/ledger-go/internal/platform/env"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("LEDGER_OTEL_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	ratio, err := env.Int("LEDGER_OTEL_SAMPLE_PERCENT", 100)
	if err != nil {
		return Config{}, err
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 100 {
		ratio = 100
	}
	return Config{
		Enabled:     enabled,
		Endpoint:    strings.TrimSpace(env.String("LEDGER_OTEL_ENDPOINT", "")),
		SampleRatio: float64(ratio) / 100,
	}, nil
}

// Setup installs a global tracer provider exporting over OTLP/HTTP.
// Tracing is opt-in: without an endpoint, or with LEDGER_OTEL_ENABLED=false,
// it returns a no-op shutdown and leaves the global provider alone.
func Setup(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}
