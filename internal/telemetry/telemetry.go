package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the meter provider and the instruments of the download
// pipeline. A nil or disabled Telemetry records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	httpRequests         metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	chapterDownloads        metric.Int64Counter
	chapterDownloadDuration metric.Float64Histogram
	chaptersActive          metric.Int64UpDownCounter
	chapterPanics           metric.Int64Counter
	queuedChapters          metric.Int64Gauge

	images     metric.Int64Counter
	imageBytes metric.Int64Counter

	contentAPIOperations metric.Int64Counter

	storeOperations        metric.Int64Counter
	storeOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a second, push based metric reader when set.
	OTLPEndpoint string
}

// New sets up the Prometheus reader, the optional OTLP reader and runtime
// metrics. A disabled configuration returns a Telemetry whose recording
// methods are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("service.instance.id", instanceID()),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// instanceID identifies this process as host-pid-random.
func instanceID() string {
	host, _ := os.Hostname()

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, statusClass string, duration time.Duration) {
	if t == nil || t.httpRequests == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", statusClass),
	)

	t.httpRequests.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// RecordDownload records how one chapter run ended, keyed by the status its
// record was left in.
func (t *Telemetry) RecordDownload(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.chapterDownloads == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.chapterDownloads.Add(ctx, 1, attrs)
	t.chapterDownloadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPanic counts a recovered panic in component.
func (t *Telemetry) RecordPanic(ctx context.Context, component string) {
	if t != nil && t.chapterPanics != nil {
		t.chapterPanics.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
	}
}

// RecordImage records one image fetch and the bytes it wrote.
func (t *Telemetry) RecordImage(ctx context.Context, status string, bytes int64) {
	if t == nil || t.images == nil {
		return
	}

	t.images.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	if bytes > 0 {
		t.imageBytes.Add(ctx, bytes)
	}
}

func (t *Telemetry) RecordQueueSize(ctx context.Context, size int) {
	if t != nil && t.queuedChapters != nil {
		t.queuedChapters.Record(ctx, int64(size))
	}
}

// RecordClientOperation records one content API call.
func (t *Telemetry) RecordClientOperation(ctx context.Context, client, operation, status string) {
	if t == nil || t.contentAPIOperations == nil {
		return
	}

	t.contentAPIOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

// RecordDBOperation records one download store call.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.storeOperations == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.storeOperations.Add(ctx, 1, attrs)
	t.storeOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler serves the Prometheus scrape endpoint, or 404 when disabled.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	counters := []struct {
		dst        *metric.Int64Counter
		name, desc string
		unit       string
	}{
		{&t.httpRequests, "http_requests", "HTTP requests served by the API", "1"},
		{&t.chapterDownloads, "chapter_downloads", "Chapter downloads by the status they ended in", "1"},
		{&t.chapterPanics, "chapter_download_panics", "Panics recovered while downloading a chapter", "1"},
		{&t.images, "chapter_images", "Chapter images fetched by outcome", "1"},
		{&t.imageBytes, "chapter_image_bytes", "Image bytes written to disk", "By"},
		{&t.contentAPIOperations, "content_api_operations", "Content API calls by outcome", "1"},
		{&t.storeOperations, "download_store_operations", "Download store calls by outcome", "1"},
	}

	for _, c := range counters {
		var err error
		if *c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit)); err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst        *metric.Float64Histogram
		name, desc string
	}{
		{&t.httpRequestDuration, "http_request_duration", "HTTP request duration"},
		{&t.chapterDownloadDuration, "chapter_download_duration", "Time from a chapter leaving the queue until its record settles"},
		{&t.storeOperationDuration, "download_store_operation_duration", "Download store call duration"},
	}

	for _, h := range histograms {
		var err error
		if *h.dst, err = t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s")); err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	var err error

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("HTTP requests currently being served")); err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	if t.chaptersActive, err = t.meter.Int64UpDownCounter("chapter_downloads_active",
		metric.WithDescription("Chapters currently being materialized")); err != nil {
		return fmt.Errorf("failed to create chapter_downloads_active counter: %w", err)
	}

	if t.queuedChapters, err = t.meter.Int64Gauge("download_queue_size",
		metric.WithDescription("Chapters waiting in the download queue")); err != nil {
		return fmt.Errorf("failed to create download_queue_size gauge: %w", err)
	}

	return nil
}
