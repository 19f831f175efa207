package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func bytesByDirection(rm metricdata.ResourceMetrics) map[string]int64 {
	out := make(map[string]int64)
	for _, dp := range findCounter(rm, "signed_media_upstream_bytes_total") {
		if v, ok := dp.Attributes.Value("direction"); ok {
			out[v.AsString()] += dp.Value
		}
	}
	return out
}

func TestInstrumentedTransport_Download(t *testing.T) {
	reader := setupTestMetrics(t)

	body := "jpeg bytes from the media host"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "fetch")}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)

	// nothing is recorded until the body is closed
	require.Empty(t, findCounter(collectMetrics(t, reader), "signed_media_upstream_requests_total"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "signed_media_upstream_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "upstream", "fetch"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	require.Equal(t, map[string]int64{"received": int64(len(body))}, bytesByDirection(rm))

	hist := findHistogram(rm, "signed_media_upstream_request_duration_seconds")
	require.Len(t, hist, 1)
	require.EqualValues(t, 1, hist[0].Count)
}

func TestInstrumentedTransport_UploadCountsSentBytes(t *testing.T) {
	reader := setupTestMetrics(t)

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	payload := strings.Repeat("p", 4096)
	req, err := http.NewRequest(http.MethodPut, srv.URL, strings.NewReader(payload))
	require.NoError(t, err)
	original := req.Body

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "upload")}
	resp, err := client.Do(req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, payload, gotBody)
	// the caller's request is left untouched
	require.Equal(t, original, req.Body)

	rm := collectMetrics(t, reader)
	require.Equal(t, map[string]int64{"sent": 4096, "received": 2}, bytesByDirection(rm))
}

func TestInstrumentedTransport_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"success", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }, "success"},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "expired", http.StatusForbidden) }, "4xx"},
		{"not found", http.NotFound, "4xx"},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}, "5xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := &http.Client{Transport: NewInstrumentedTransport(nil, "gateway")}
			resp, err := client.Get(srv.URL)
			require.NoError(t, err)
			_, _ = io.ReadAll(resp.Body)
			require.NoError(t, resp.Body.Close())

			dps := findCounter(collectMetrics(t, reader), "signed_media_upstream_requests_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.want))
		})
	}
}

func TestInstrumentedTransport_ConnectionError(t *testing.T) {
	reader := setupTestMetrics(t)

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "fetch"), Timeout: 100 * time.Millisecond}
	_, err := client.Get("http://127.0.0.1:1")
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "signed_media_upstream_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
}

func TestInstrumentedTransport_Canceled(t *testing.T) {
	reader := setupTestMetrics(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, srv.URL, strings.NewReader("partial"))
	require.NoError(t, err)

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "upload")}
	_, err = client.Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "signed_media_upstream_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "upstream", "upload"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "canceled"))
}

func TestInstrumentedTransport_CloseRecordsOnce(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "gateway")}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "signed_media_upstream_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	// empty bodies in both directions record no bytes
	require.Empty(t, bytesByDirection(rm))
}

func TestInstrumentedTransport_DefaultBase(t *testing.T) {
	require.Equal(t, http.DefaultTransport, NewInstrumentedTransport(nil, "fetch").base)

	custom := &http.Transport{}
	require.Equal(t, custom, NewInstrumentedTransport(custom, "fetch").base)
}

func TestInstrumentedTransport_WithoutMetrics(t *testing.T) {
	globalMetrics = nil

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "fetch")}
	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("body"))
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
}

var _ http.RoundTripper = (*InstrumentedTransport)(nil)
