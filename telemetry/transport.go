package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// InstrumentedTransport records every request it carries. A request is
// recorded when its response body is closed, so byte counts cover the whole
// exchange in both directions.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport creates a transport that labels its metrics with
// upstream. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	sent := &countingBody{}
	if req.Body != nil && req.Body != http.NoBody {
		sent.ReadCloser = req.Body
		req = req.Clone(req.Context())
		req.Body = sent
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamRequest(req.Context(), t.upstream, time.Since(start), sent.n.Load(), 0, outcome)
		return nil, err
	}

	outcome := "success"
	switch {
	case resp.StatusCode >= 500:
		outcome = "5xx"
	case resp.StatusCode >= 400:
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		upstream:   t.upstream,
		start:      start,
		sent:       sent,
		outcome:    outcome,
	}
	return resp, nil
}

// countingBody counts request body bytes. The transport may read it from
// another goroutine.
type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	upstream string
	start    time.Time
	sent     *countingBody
	received int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.received += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamRequest(b.ctx, b.upstream, time.Since(b.start), b.sent.n.Load(), b.received, b.outcome)
	}
	return b.ReadCloser.Close()
}
