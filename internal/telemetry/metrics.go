package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting the given endpoint (e.g. "otel-collector:4317").
// Metrics are flushed periodically via a PeriodicReader.
// The caller must defer mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName string, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// PipelineMetrics holds the counters the ingestion/analysis pipeline reports.
// When no MeterProvider is installed the global no-op provider makes every
// Add a no-op, so callers never need to nil-check individual counters.
type PipelineMetrics struct {
	RunsStarted     metric.Int64Counter
	RunsFailed      metric.Int64Counter
	ItemsIngested   metric.Int64Counter
	ItemsDuplicate  metric.Int64Counter
	CrawlErrors     metric.Int64Counter
	ReportsSent     metric.Int64Counter
	LLMInputTokens  metric.Int64Counter
	LLMOutputTokens metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline counters on the global meter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("market-sentinel/pipeline")

	pm := &PipelineMetrics{}
	var err error
	if pm.RunsStarted, err = meter.Int64Counter("sentinel_runs_started_total"); err != nil {
		return nil, err
	}
	if pm.RunsFailed, err = meter.Int64Counter("sentinel_runs_failed_total"); err != nil {
		return nil, err
	}
	if pm.ItemsIngested, err = meter.Int64Counter("sentinel_items_ingested_total"); err != nil {
		return nil, err
	}
	if pm.ItemsDuplicate, err = meter.Int64Counter("sentinel_items_duplicate_total"); err != nil {
		return nil, err
	}
	if pm.CrawlErrors, err = meter.Int64Counter("sentinel_crawl_errors_total"); err != nil {
		return nil, err
	}
	if pm.ReportsSent, err = meter.Int64Counter("sentinel_reports_sent_total"); err != nil {
		return nil, err
	}
	if pm.LLMInputTokens, err = meter.Int64Counter("sentinel_llm_input_tokens_total"); err != nil {
		return nil, err
	}
	if pm.LLMOutputTokens, err = meter.Int64Counter("sentinel_llm_output_tokens_total"); err != nil {
		return nil, err
	}
	return pm, nil
}
