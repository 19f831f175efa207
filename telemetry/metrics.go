package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/signed-media"
)

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	sizeBuckets    = []float64{1024, 16384, 65536, 262144, 1048576, 2097152, 4194304, 8388608, 16777216, 67108864}
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	upstreamRequestDuration metric.Float64Histogram
	upstreamRequestsTotal   metric.Int64Counter
	upstreamBytesTotal      metric.Int64Counter

	objectsCreatedTotal metric.Int64Counter
	objectsRevokedTotal metric.Int64Counter
	objectSize          metric.Float64Histogram

	resolutionsTotal   metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	cacheLookupsTotal  metric.Int64Counter
	exchangesTotal     metric.Int64Counter

	stagedTransitionsTotal metric.Int64Counter
	uploadsTotal           metric.Int64Counter
	uploadBytesTotal       metric.Int64Counter
	optimisticTotal        metric.Int64Counter
	recordWritesTotal      metric.Int64Counter

	// S3-FIFO eviction metrics for the blob tier
	s3fifoAdmissionsTotal  metric.Int64Counter
	s3fifoGhostHitsTotal   metric.Int64Counter
	s3fifoPromotionsTotal  metric.Int64Counter
	s3fifoSecondChance     metric.Int64Counter
	s3fifoEvictionsTotal   metric.Int64Counter
	s3fifoEvictionBytes    metric.Int64Counter
	s3fifoPinnedSkipsTotal metric.Int64Counter
	s3fifoQueueBytes       metric.Int64Gauge
	s3fifoQueueEntries     metric.Int64Gauge
	s3fifoGhostEntries     metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "signed-media"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without an exporter a no-op reader still lets instruments record.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects the first error while creating instruments so that
// newMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && in.err == nil {
		in.err = err
	}
	return h
}

func (in *instruments) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return g
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}

	m := &Metrics{
		requestsTotal:           in.counter("signed_media_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      in.counter("signed_media_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         in.histogram("signed_media_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets),
		requestsByEndpointTotal: in.counter("signed_media_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"),

		backendRequestDuration: in.histogram("signed_media_backend_request_duration_seconds", "Duration of backend storage operations", "s", latencyBuckets),
		backendRequestsTotal:   in.counter("signed_media_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:      in.counter("signed_media_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		upstreamRequestDuration: in.histogram("signed_media_upstream_request_duration_seconds", "Duration of upstream requests", "s", latencyBuckets),
		upstreamRequestsTotal:   in.counter("signed_media_upstream_requests_total", "Total number of upstream requests", "{request}"),
		upstreamBytesTotal:      in.counter("signed_media_upstream_bytes_total", "Total bytes exchanged with upstream by direction", "By"),

		objectsCreatedTotal: in.counter("signed_media_local_objects_created_total", "Local objects materialized", "{object}"),
		objectsRevokedTotal: in.counter("signed_media_local_objects_revoked_total", "Local objects revoked", "{object}"),
		objectSize:          in.histogram("signed_media_local_object_size_bytes", "Size of materialized local objects", "By", sizeBuckets),

		resolutionsTotal:   in.counter("signed_media_resolutions_total", "Reference resolutions by origin and outcome", "{resolution}"),
		resolutionDuration: in.histogram("signed_media_resolution_duration_seconds", "Duration of reference resolutions", "s", latencyBuckets),
		cacheLookupsTotal:  in.counter("signed_media_cache_lookups_total", "Resolution cache lookups by tier and result", "{lookup}"),
		exchangesTotal:     in.counter("signed_media_exchanges_total", "Key to URL exchanges by kind and outcome", "{exchange}"),

		stagedTransitionsTotal: in.counter("signed_media_staged_transitions_total", "Staged mutation state transitions", "{transition}"),
		uploadsTotal:           in.counter("signed_media_uploads_total", "Uploads by outcome", "{upload}"),
		uploadBytesTotal:       in.counter("signed_media_upload_bytes_total", "Bytes uploaded", "By"),
		optimisticTotal:        in.counter("signed_media_optimistic_ops_total", "Optimistic list operations by op and outcome", "{op}"),
		recordWritesTotal:      in.counter("signed_media_record_writes_total", "Record store writes by op and outcome", "{write}"),

		s3fifoAdmissionsTotal:  in.counter("signed_media_s3fifo_admissions_total", "Entries admitted to S3-FIFO queues", "{entry}"),
		s3fifoGhostHitsTotal:   in.counter("signed_media_s3fifo_ghost_hits_total", "Ghost queue hits", "{hit}"),
		s3fifoPromotionsTotal:  in.counter("signed_media_s3fifo_promotions_total", "Small to main promotions", "{entry}"),
		s3fifoSecondChance:     in.counter("signed_media_s3fifo_second_chance_total", "Main queue reinsertions", "{entry}"),
		s3fifoEvictionsTotal:   in.counter("signed_media_s3fifo_evictions_total", "Evictions from S3-FIFO queues", "{entry}"),
		s3fifoEvictionBytes:    in.counter("signed_media_s3fifo_eviction_bytes_total", "Bytes freed by S3-FIFO eviction", "By"),
		s3fifoPinnedSkipsTotal: in.counter("signed_media_s3fifo_pinned_skips_total", "Eviction skips for entries still held by consumers", "{skip}"),
		s3fifoQueueBytes:       in.gauge("signed_media_s3fifo_queue_bytes", "Current bytes in each S3-FIFO queue", "By"),
		s3fifoQueueEntries:     in.gauge("signed_media_s3fifo_queue_entries", "Current entries in each S3-FIFO queue", "{entry}"),
		s3fifoGhostEntries:     in.gauge("signed_media_s3fifo_ghost_entries", "Current entries in the S3-FIFO ghost set", "{entry}"),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Operation and endpoint are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	endpoint := ""
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordUpstreamRequest records one upstream request. upstream names the
// client ("fetch", "upload", "gateway"). sent counts request body bytes,
// which matter for uploads; received counts response body bytes.
func RecordUpstreamRequest(ctx context.Context, upstream string, duration time.Duration, sent, received int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamRequestDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.upstreamRequestsTotal.Add(ctx, 1, attrs)
	for dir, n := range map[string]int64{"sent": sent, "received": received} {
		if n > 0 {
			globalMetrics.upstreamBytesTotal.Add(ctx, n, metric.WithAttributes(
				attribute.String("upstream", upstream),
				attribute.String("direction", dir),
			))
		}
	}
}

// RecordObjectCreated records a materialized local object.
func RecordObjectCreated(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.objectsCreatedTotal.Add(ctx, 1)
	globalMetrics.objectSize.Record(ctx, float64(size))
}

// RecordObjectRevoked records a revoked local object.
func RecordObjectRevoked(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.objectsRevokedTotal.Add(ctx, 1)
}

// RecordResolution records a finished resolution. origin is "direct",
// "signed" or "blob"; outcome is "success", "error" or "aborted".
func RecordResolution(ctx context.Context, origin, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("origin", origin),
		attribute.String("outcome", outcome),
	)
	globalMetrics.resolutionsTotal.Add(ctx, 1, attrs)
	globalMetrics.resolutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a resolution cache lookup. tier is "signed" or
// "blob".
func RecordCacheLookup(ctx context.Context, tier string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", string(result)),
	))
}

// RecordExchange records a key exchange. kind is "view" or "upload".
func RecordExchange(ctx context.Context, kind, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.exchangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordStagedTransition records a staged mutation state change.
// kind is "single" or "gallery".
func RecordStagedTransition(ctx context.Context, kind, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.stagedTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordUpload records a finished upload attempt.
func RecordUpload(ctx context.Context, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.uploadsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.uploadBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordOptimistic records an optimistic list operation. op is "update",
// "delete" or "undo"; outcome is "committed", "rolled_back" or "undone".
func RecordOptimistic(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.optimisticTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordRecordWrite records a record store write.
func RecordRecordWrite(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.recordWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordS3FIFOAdmission records an admission. queue is "small" or "main",
// reason is "new" or "ghost_hit".
func RecordS3FIFOAdmission(ctx context.Context, queue, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.s3fifoAdmissionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	))
	if reason == "ghost_hit" {
		globalMetrics.s3fifoGhostHitsTotal.Add(ctx, 1)
	}
}

// RecordS3FIFOPromotion records a small to main promotion.
func RecordS3FIFOPromotion(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.s3fifoPromotionsTotal.Add(ctx, 1)
}

// RecordS3FIFOSecondChance records a main queue reinsertion.
func RecordS3FIFOSecondChance(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.s3fifoSecondChance.Add(ctx, 1)
}

// RecordS3FIFOEviction records a final eviction from a queue.
func RecordS3FIFOEviction(ctx context.Context, queue string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	globalMetrics.s3fifoEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.s3fifoEvictionBytes.Add(ctx, bytes, attrs)
}

// RecordS3FIFOPinnedSkip records an eviction skipped because a consumer
// still holds the entry.
func RecordS3FIFOPinnedSkip(ctx context.Context, queue string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.s3fifoPinnedSkipsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// UpdateS3FIFOQueueState updates the queue-state gauges.
func UpdateS3FIFOQueueState(ctx context.Context, smallBytes, mainBytes int64, smallEntries, mainEntries, ghostEntries int) {
	if globalMetrics == nil {
		return
	}
	small := metric.WithAttributes(attribute.String("queue", "small"))
	main := metric.WithAttributes(attribute.String("queue", "main"))
	globalMetrics.s3fifoQueueBytes.Record(ctx, smallBytes, small)
	globalMetrics.s3fifoQueueBytes.Record(ctx, mainBytes, main)
	globalMetrics.s3fifoQueueEntries.Record(ctx, int64(smallEntries), small)
	globalMetrics.s3fifoQueueEntries.Record(ctx, int64(mainEntries), main)
	globalMetrics.s3fifoGhostEntries.Record(ctx, int64(ghostEntries))
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
