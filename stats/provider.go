package stats

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/homestead/hsscache/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide tracer and meter providers and the
// Recorder built on top of them. It follows the teacher's OTelProvider:
// one object constructed at startup, shut down once at exit.
type Provider struct {
	Tracer   trace.Tracer
	Recorder *Recorder

	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	shutdownOnce sync.Once
}

// NewProvider builds a Provider for serviceName. When useStdout is true
// (local development / cmd/hsscached without OTEL_EXPORTER_OTLP_ENDPOINT
// configured) spans and metrics are printed to stdout instead of shipped
// over OTLP/gRPC.
func NewProvider(ctx context.Context, serviceName string, useStdout bool, logger core.Logger) (*Provider, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if serviceName == "" {
		return nil, fmt.Errorf("service name cannot be empty: %w", core.ErrInvalidConfig)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	var (
		tp *sdktrace.TracerProvider
		mp *sdkmetric.MeterProvider
	)

	if useStdout {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
			sdkmetric.WithResource(res),
		)
	} else {
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if endpoint == "" {
			endpoint = "localhost:4317"
		}

		traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC trace exporter for %s: %w", endpoint, err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC metric exporter for %s: %w", endpoint, err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
			sdkmetric.WithResource(res),
		)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	logger.Info("stats provider initialized", map[string]interface{}{
		"service_name": serviceName,
		"stdout":       useStdout,
	})

	return &Provider{
		Tracer:         tp.Tracer(serviceName),
		Recorder:       NewRecorder(serviceName),
		traceProvider:  tp,
		metricProvider: mp,
	}, nil
}

// Shutdown flushes and stops the tracer and meter providers. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if tErr := p.traceProvider.Shutdown(ctx); tErr != nil {
			err = fmt.Errorf("shutting down trace provider: %w", tErr)
		}
		if mErr := p.metricProvider.Shutdown(ctx); mErr != nil {
			if err != nil {
				err = fmt.Errorf("%v; shutting down metric provider: %w", err, mErr)
			} else {
				err = fmt.Errorf("shutting down metric provider: %w", mErr)
			}
		}
	})
	return err
}
