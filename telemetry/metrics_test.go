package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs instruments backed by a ManualReader and returns
// the reader for collection.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/getViewUrl?key=a.png", nil))
	SetOperation(r, "view_url")

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "signed_media_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "view_url"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "signed_media_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "signed_media_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
	require.Empty(t, findCounter(rm, "signed_media_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/getUploadUrl", nil))
	SetOperation(r, "upload_url")
	SetEndpoint(r, "get_upload_url")

	RecordHTTP(context.Background(), r, http.StatusForbidden, 64, 10*time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "signed_media_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "get_upload_url"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "signed_media_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "unknown"))
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	require.NotPanics(t, func() {
		RecordHTTP(ctx, InjectTags(httptest.NewRequest(http.MethodGet, "/", nil)), http.StatusOK, 0, time.Millisecond)
		RecordBackendOp(ctx, "memory", "write", "success", time.Millisecond, 10)
		RecordObjectCreated(ctx, 10)
		RecordObjectRevoked(ctx)
		RecordResolution(ctx, "blob", "success", time.Millisecond)
		RecordCacheLookup(ctx, "signed", CacheHit)
		RecordExchange(ctx, "view", "success")
		RecordStagedTransition(ctx, "single", "idle", "drafted")
		RecordUpload(ctx, "success", 10)
		RecordUpstreamRequest(ctx, "upload", time.Millisecond, 10, 0, "success")
		RecordOptimistic(ctx, "delete", "undone")
		RecordRecordWrite(ctx, "persist", "success")
		RecordS3FIFOAdmission(ctx, "small", "new")
		RecordS3FIFOEviction(ctx, "small", 10)
		UpdateS3FIFOQueueState(ctx, 1, 2, 1, 1, 0)
	})
}

func TestRecordResolutionAndCache(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordResolution(ctx, "signed", "success", 20*time.Millisecond)
	RecordResolution(ctx, "signed", "success", 30*time.Millisecond)
	RecordCacheLookup(ctx, "blob", CacheMiss)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "signed_media_resolutions_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "origin", "signed"))

	hist := findHistogram(rm, "signed_media_resolution_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(2), hist[0].Count)

	lookups := findCounter(rm, "signed_media_cache_lookups_total")
	require.Len(t, lookups, 1)
	require.True(t, hasAttr(lookups[0].Attributes, "tier", "blob"))
	require.True(t, hasAttr(lookups[0].Attributes, "result", "miss"))
}

func TestRecordObjects(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordObjectCreated(ctx, 2<<20)
	RecordObjectCreated(ctx, 100)
	RecordObjectRevoked(ctx)

	rm := collectMetrics(t, reader)
	created := findCounter(rm, "signed_media_local_objects_created_total")
	require.Len(t, created, 1)
	require.EqualValues(t, 2, created[0].Value)

	revoked := findCounter(rm, "signed_media_local_objects_revoked_total")
	require.Len(t, revoked, 1)
	require.EqualValues(t, 1, revoked[0].Value)
}

func TestUpdateS3FIFOQueueState(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateS3FIFOQueueState(context.Background(), 100, 300, 1, 3, 2)

	rm := collectMetrics(t, reader)
	bytes := findGauge(rm, "signed_media_s3fifo_queue_bytes")
	require.Len(t, bytes, 2)
	for _, dp := range bytes {
		switch {
		case hasAttr(dp.Attributes, "queue", "small"):
			require.EqualValues(t, 100, dp.Value)
		case hasAttr(dp.Attributes, "queue", "main"):
			require.EqualValues(t, 300, dp.Value)
		default:
			t.Fatalf("unexpected queue attribute set %v", dp.Attributes)
		}
	}
	ghosts := findGauge(rm, "signed_media_s3fifo_ghost_entries")
	require.Len(t, ghosts, 1)
	require.EqualValues(t, 2, ghosts[0].Value)
}

func TestRecordS3FIFOAdmission_GhostHit(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordS3FIFOAdmission(context.Background(), "main", "ghost_hit")
	RecordS3FIFOAdmission(context.Background(), "small", "new")

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "signed_media_s3fifo_admissions_total"), 2)
	hits := findCounter(rm, "signed_media_s3fifo_ghost_hits_total")
	require.Len(t, hits, 1)
	require.EqualValues(t, 1, hits[0].Value)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{401, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
