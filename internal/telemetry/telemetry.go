// Package telemetry bootstraps OpenTelemetry tracing and metrics for the
// edgecoder process, mirroring the teacher's libs/go/core/otelinit package.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Providers holds the installed global tracer and meter providers so Flush
// can drain them on shutdown.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Init dials the OTLP collector at endpoint (empty means localhost:4317),
// installs global TracerProvider/MeterProvider, and returns a handle used
// only for Flush at shutdown.
func Init(ctx context.Context, serviceName, endpoint string) (*Providers, error) {
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)

	return &Providers{tracerProvider: tp, meterProvider: mp}, nil
}

// Flush drains pending spans and metrics. Call on graceful shutdown.
func (p *Providers) Flush(ctx context.Context) {
	if p == nil {
		return
	}
	if p.tracerProvider != nil {
		_ = p.tracerProvider.Shutdown(ctx)
	}
	if p.meterProvider != nil {
		_ = p.meterProvider.Shutdown(ctx)
	}
}

// Tracer returns the edgecoder-scoped tracer. Components call this at
// construction time rather than holding a package-level global.
func Tracer() trace.Tracer {
	return otel.Tracer("edgecoder")
}

// Meter returns the edgecoder-scoped meter.
func Meter() metric.Meter {
	return otel.Meter("edgecoder")
}
