package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vulnwatch/vulnwatch/internal/config"
	"github.com/vulnwatch/vulnwatch/internal/core"
	"github.com/vulnwatch/vulnwatch/pkg/types"
)

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	importCounter  metric.Int64Counter
	importDuration metric.Float64Histogram
	findingCounter metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	importCounter, err := meter.Int64Counter("vulnwatch.imports.total",
		metric.WithDescription("Total number of import batches"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	importDuration, err := meter.Float64Histogram("vulnwatch.import.duration",
		metric.WithDescription("Import batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("vulnwatch.findings.total",
		metric.WithDescription("Total number of findings recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:         tracer,
		meter:          meter,
		tracerProvider: tp,
		importCounter:  importCounter,
		importDuration: importDuration,
		findingCounter: findingCounter,
	}, nil
}

func (t *telemetry) RecordImport(summary types.ImportSummary, duration float64, success bool) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.Bool("import.success", success),
		attribute.Int("import.created", summary.Created),
		attribute.Int("import.updated", summary.Updated),
		attribute.Int("import.skipped", summary.Skipped),
	}

	t.importCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.importDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordFinding(severity string) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("finding.severity", severity),
	}

	t.findingCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordImport(summary types.ImportSummary, duration float64, success bool) {}
func (n *noopTelemetry) RecordFinding(severity string)                                           {}
func (n *noopTelemetry) Close() error                                                            { return nil }
