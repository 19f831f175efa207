// Package resolver turns media references into URIs a consumer can render.
//
// A reference is either an absolute URL or a storage key. Keys are exchanged
// for signed view URLs; either kind can optionally be downloaded and
// rematerialized as a local object. Every step consults the shared
// cache.Cache first, and concurrent resolutions of one reference share a
// single exchange and a single download.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/cache"
	"github.com/wolfeidau/signed-media/download"
	"github.com/wolfeidau/signed-media/telemetry"
	"github.com/wolfeidau/signed-media/upstream"
	"golang.org/x/net/publicsuffix"
)

// maxAcquireAttempts bounds retries when a freshly cached object is evicted
// under memory pressure before the waiter could take its reference.
const maxAcquireAttempts = 2

// Options controls one resolution.
type Options struct {
	// PreferBlob downloads the media and serves it from a local object.
	PreferBlob bool
}

// Result is a resolved reference. When Origin is blob the caller holds a
// reference on the local object and must call Release exactly once; Release
// is safe to call on every result and more than once.
type Result struct {
	signedmedia.Resolved

	handle *blob.Handle
	once   sync.Once
}

// Release drops the caller's reference on a local object.
func (r *Result) Release() {
	if r == nil || r.handle == nil {
		return
	}
	r.once.Do(r.handle.Release)
}

// Resolver resolves references through the shared cache.
type Resolver struct {
	cache     *cache.Cache
	exchanger upstream.ViewURLExchanger
	objects   blob.Objects
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time

	exchanges *download.Group[signedmedia.Resolved]
	fetches   *download.Group[*blob.Handle]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithHTTPClient sets the client used to download media.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a Resolver.
func New(c *cache.Cache, exchanger upstream.ViewURLExchanger, objects blob.Objects, opts ...Option) *Resolver {
	r := &Resolver{
		cache:     c,
		exchanger: exchanger,
		objects:   objects,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = NewHTTPClient()
	}
	r.exchanges = download.New[signedmedia.Resolved](download.WithLogger(r.logger))
	r.fetches = download.New[*blob.Handle](download.WithLogger(r.logger))
	return r
}

// NewHTTPClient returns a client for credentialed media downloads: cookies
// set by the media host are kept per registrable domain and every request is
// recorded by the instrumented transport.
func NewHTTPClient() *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{
		Jar:       jar,
		Transport: telemetry.NewInstrumentedTransport(nil, "fetch"),
	}
}

// Resolve resolves ref. An empty reference yields an empty result. When ctx
// ends first the error wraps signedmedia.ErrAborted.
func (r *Resolver) Resolve(ctx context.Context, ref signedmedia.Reference, opts Options) (*Result, error) {
	ref = ref.Trim()
	if ref.IsZero() {
		return &Result{}, nil
	}

	start := time.Now()
	res, err := r.resolve(ctx, ref, opts)
	switch {
	case err == nil:
		telemetry.RecordResolution(ctx, string(res.Origin), "success", time.Since(start))
		return res, nil
	case ctx.Err() != nil || errors.Is(err, signedmedia.ErrAborted):
		telemetry.RecordResolution(ctx, requestedOrigin(ref, opts), "aborted", time.Since(start))
		if !errors.Is(err, signedmedia.ErrAborted) {
			err = fmt.Errorf("%w: %s: %w", signedmedia.ErrAborted, ref, err)
		}
		return nil, err
	default:
		telemetry.RecordResolution(ctx, requestedOrigin(ref, opts), "error", time.Since(start))
		r.logger.Debug("resolution failed", "ref", ref, "error", err)
		return nil, err
	}
}

func (r *Resolver) resolve(ctx context.Context, ref signedmedia.Reference, opts Options) (*Result, error) {
	if ref.IsURL() {
		if !opts.PreferBlob {
			return &Result{Resolved: signedmedia.Resolved{
				Reference:  ref,
				URI:        ref.String(),
				Origin:     signedmedia.OriginDirect,
				ObtainedAt: r.now(),
			}}, nil
		}
		return r.local(ctx, ref, func(context.Context) (string, error) {
			return ref.String(), nil
		})
	}

	if !opts.PreferBlob {
		signed, err := r.signedURL(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &Result{Resolved: signed}, nil
	}

	// The blob tier is keyed by the storage key, not the signed URL, which
	// changes on every exchange.
	return r.local(ctx, ref, func(ctx context.Context) (string, error) {
		signed, err := r.signedURL(ctx, ref)
		if err != nil {
			return "", err
		}
		return signed.URI, nil
	})
}

// signedURL returns the view URL for a storage key from the signed tier,
// exchanging it on a miss.
func (r *Resolver) signedURL(ctx context.Context, ref signedmedia.Reference) (signedmedia.Resolved, error) {
	if res, ok := r.cache.GetSigned(ctx, ref); ok {
		return res, nil
	}

	res, _, err := r.exchanges.Do(ctx, ref.String(), func(ctx context.Context) (signedmedia.Resolved, error) {
		url, err := r.exchanger.ExchangeKeyForViewURL(ctx, ref.String())
		if err != nil {
			telemetry.RecordExchange(ctx, "view", "error")
			if ctx.Err() != nil {
				return signedmedia.Resolved{}, err
			}
			if errors.Is(err, signedmedia.ErrUpstreamExchange) {
				return signedmedia.Resolved{}, fmt.Errorf("exchanging %s: %w", ref, err)
			}
			return signedmedia.Resolved{}, fmt.Errorf("%w: %s: %w", signedmedia.ErrUpstreamExchange, ref, err)
		}
		url = strings.TrimSpace(url)
		if url == "" {
			telemetry.RecordExchange(ctx, "view", "empty")
			return signedmedia.Resolved{}, fmt.Errorf("exchanging %s: %w", ref, signedmedia.ErrNoURLReturned)
		}
		telemetry.RecordExchange(ctx, "view", "success")

		res := signedmedia.Resolved{
			Reference:  ref,
			URI:        url,
			Origin:     signedmedia.OriginSigned,
			ObtainedAt: r.now(),
		}
		r.cache.PutSigned(ref, res)
		return res, nil
	})
	return res, err
}

// local returns a local object for ref from the blob tier, downloading the
// URL produced by source on a miss.
func (r *Resolver) local(ctx context.Context, ref signedmedia.Reference, source func(context.Context) (string, error)) (*Result, error) {
	for range maxAcquireAttempts {
		if h, ok := r.cache.AcquireBlob(ctx, ref); ok {
			return r.blobResult(ref, h), nil
		}

		h, _, err := r.fetches.Do(ctx, ref.String(), func(ctx context.Context) (*blob.Handle, error) {
			src, err := source(ctx)
			if err != nil {
				return nil, err
			}
			h, err := r.materialize(ctx, ref, src)
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				// Every waiter left before the object reached the cache;
				// nobody else will ever release it.
				h.Release()
				return nil, fmt.Errorf("%w: %s: %w", signedmedia.ErrAborted, ref, err)
			}
			r.cache.PutBlob(ctx, ref, h)
			return h, nil
		})
		if err != nil {
			return nil, err
		}
		if h.Acquire() {
			return r.blobResult(ref, h), nil
		}
		r.logger.Debug("cached object evicted before use, retrying", "ref", ref)
	}
	return nil, fmt.Errorf("%w: %s: object evicted before use", signedmedia.ErrFetchFailed, ref)
}

func (r *Resolver) materialize(ctx context.Context, ref signedmedia.Reference, src string) (*blob.Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", signedmedia.ErrFetchFailed, ref, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", signedmedia.ErrFetchFailed, ref, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s: %w", signedmedia.ErrFetchFailed, ref, &signedmedia.StatusError{
			Op:         "fetch",
			StatusCode: resp.StatusCode,
		})
	}

	h, err := blob.Materialize(ctx, r.objects, blob.Source{
		Reader:      resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Name:        ref.String(),
	}, r.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", signedmedia.ErrFetchFailed, ref, err)
	}
	r.logger.Debug("materialized local object", "ref", ref, "uri", h.URI(), "size", h.Object().Size)
	return h, nil
}

func (r *Resolver) blobResult(ref signedmedia.Reference, h *blob.Handle) *Result {
	obj := h.Object()
	return &Result{
		Resolved: signedmedia.Resolved{
			Reference:  ref,
			URI:        obj.URI,
			Origin:     signedmedia.OriginBlob,
			ObtainedAt: r.now(),
			Digest:     obj.Digest,
		},
		handle: h,
	}
}

func requestedOrigin(ref signedmedia.Reference, opts Options) string {
	switch {
	case opts.PreferBlob:
		return string(signedmedia.OriginBlob)
	case ref.IsURL():
		return string(signedmedia.OriginDirect)
	default:
		return string(signedmedia.OriginSigned)
	}
}
