package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the engine's metric instruments and providers. A nil
// *Telemetry is valid and records nothing, so callers never need to guard.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	downloadsTotal     metric.Int64Counter
	downloadsActive    metric.Int64UpDownCounter
	downloadDuration   metric.Float64Histogram
	bytesTransferred   metric.Int64Counter
	queueDepth         metric.Int64UpDownCounter
	storeOpsTotal      metric.Int64Counter
	storeOpDuration    metric.Float64Histogram
	verificationsTotal metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	ServiceName string
}

// New creates a telemetry instance exporting through Prometheus, plus Go
// runtime metrics.
func New(_ context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)

	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// RecordDownload records one finished transfer.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloadsTotal.Add(context.Background(), 1, attrs)
	t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementActiveDownloads increments the active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t == nil {
		return
	}

	t.downloadsActive.Add(context.Background(), 1)
}

// DecrementActiveDownloads decrements the active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t == nil {
		return
	}

	t.downloadsActive.Add(context.Background(), -1)
}

// AddBytesTransferred accumulates the received-bytes counter.
func (t *Telemetry) AddBytesTransferred(n int64) {
	if t == nil || n <= 0 {
		return
	}

	t.bytesTransferred.Add(context.Background(), n)
}

// AddQueueDepth moves the queue depth gauge by delta.
func (t *Telemetry) AddQueueDepth(delta int64) {
	if t == nil {
		return
	}

	t.queueDepth.Add(context.Background(), delta)
}

// RecordVerification records a checksum verification outcome.
func (t *Telemetry) RecordVerification(status string) {
	if t == nil {
		return
	}

	t.verificationsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// InstrumentStoreOperation wraps a persistence operation with a span and
// op count/duration metrics.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "store_"+operation)

	defer span.End()

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.storeOpsTotal.Add(context.Background(), 1, attrs)
	t.storeOpDuration.Record(context.Background(), duration.Seconds(), attrs)

	return err
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of finished downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of downloads currently transferring"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.bytesTransferred, err = t.meter.Int64Counter(
		"bytes_transferred_total",
		metric.WithDescription("Total bytes received across all transfers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_transferred counter: %w", err)
	}

	t.queueDepth, err = t.meter.Int64UpDownCounter(
		"queue_depth",
		metric.WithDescription("Number of items waiting in the queue"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_depth counter: %w", err)
	}

	t.storeOpsTotal, err = t.meter.Int64Counter(
		"store_operations_total",
		metric.WithDescription("Total number of queue store operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store_operations_total counter: %w", err)
	}

	t.storeOpDuration, err = t.meter.Float64Histogram(
		"store_operation_duration_seconds",
		metric.WithDescription("Queue store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create store_operation_duration histogram: %w", err)
	}

	t.verificationsTotal, err = t.meter.Int64Counter(
		"verifications_total",
		metric.WithDescription("Total number of checksum verifications"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create verifications_total counter: %w", err)
	}

	return nil
}
