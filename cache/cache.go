// Package cache holds resolved references for the lifetime of a session.
//
// It has two tiers keyed by the original reference. The signed tier maps a
// storage key to its time-limited URL and is an expirable LRU. The blob tier
// maps a reference to a local object handle and is bounded with S3-FIFO;
// entries still held by a consumer are skipped by eviction, and an evicted
// handle is revoked once its last holder releases it.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/telemetry"
)

const (
	// DefaultSignedTTL sits just under the five minute lifetime the signing
	// gateway issues for view URLs.
	DefaultSignedTTL        = 4 * time.Minute
	defaultMaxSignedEntries = 1024
	defaultMaxBlobEntries   = 256
	defaultMaxBlobBytes     = 256 << 20
	defaultSmallPercent     = 10
)

const (
	tierSigned = "signed"
	tierBlob   = "blob"
)

// Config holds cache sizing.
type Config struct {
	// MaxSignedEntries caps the signed tier. Default: 1024.
	MaxSignedEntries int

	// SignedTTL bounds how long a signed URL is reused. Zero selects
	// DefaultSignedTTL; a negative value keeps entries for the whole session.
	SignedTTL time.Duration

	// MaxBlobEntries caps the number of cached local objects. Default: 256.
	MaxBlobEntries int

	// MaxBlobBytes caps the total size of cached local objects. Default: 256MiB.
	MaxBlobBytes int64

	// SmallQueuePercent is the share of the blob tier reserved for the
	// probationary queue. Default: 10.
	SmallQueuePercent int

	Logger *slog.Logger
}

// Cache is the two-tier resolution cache. It is safe for concurrent use.
type Cache struct {
	signed *expirable.LRU[string, signedmedia.Resolved]
	blobs  *blobTier
	logger *slog.Logger
}

// New creates a Cache, applying defaults for zero config values.
func New(cfg Config) *Cache {
	if cfg.MaxSignedEntries <= 0 {
		cfg.MaxSignedEntries = defaultMaxSignedEntries
	}
	switch {
	case cfg.SignedTTL == 0:
		cfg.SignedTTL = DefaultSignedTTL
	case cfg.SignedTTL < 0:
		// expirable treats a non-positive TTL as "never expire".
		cfg.SignedTTL = 0
	}
	if cfg.MaxBlobEntries <= 0 {
		cfg.MaxBlobEntries = defaultMaxBlobEntries
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = defaultMaxBlobBytes
	}
	if cfg.SmallQueuePercent <= 0 || cfg.SmallQueuePercent >= 100 {
		cfg.SmallQueuePercent = defaultSmallPercent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		signed: expirable.NewLRU[string, signedmedia.Resolved](cfg.MaxSignedEntries, nil, cfg.SignedTTL),
		blobs:  newBlobTier(cfg.MaxBlobEntries, cfg.MaxBlobBytes, cfg.SmallQueuePercent, cfg.Logger),
		logger: cfg.Logger,
	}
}

// GetSigned returns the cached signed URL for a storage key.
func (c *Cache) GetSigned(ctx context.Context, ref signedmedia.Reference) (signedmedia.Resolved, bool) {
	res, ok := c.signed.Get(ref.String())
	if ok {
		telemetry.RecordCacheLookup(ctx, tierSigned, telemetry.CacheHit)
	} else {
		telemetry.RecordCacheLookup(ctx, tierSigned, telemetry.CacheMiss)
	}
	return res, ok
}

// PutSigned caches a signed URL for ref, replacing any previous one.
func (c *Cache) PutSigned(ref signedmedia.Reference, res signedmedia.Resolved) {
	if ref.IsZero() || res.URI == "" {
		return
	}
	c.signed.Add(ref.String(), res)
}

// ForgetSigned drops the signed URL for ref.
func (c *Cache) ForgetSigned(ref signedmedia.Reference) {
	c.signed.Remove(ref.String())
}

// GetBlob returns the URI of the cached local object for ref. The URI stays
// valid only while the entry is cached; use AcquireBlob to hold it.
func (c *Cache) GetBlob(ctx context.Context, ref signedmedia.Reference) (string, bool) {
	h, ok := c.blobs.get(ctx, ref.String(), false)
	if !ok {
		return "", false
	}
	return h.URI(), true
}

// AcquireBlob returns the cached handle for ref with a reference owned by
// the caller, who must Release it.
func (c *Cache) AcquireBlob(ctx context.Context, ref signedmedia.Reference) (*blob.Handle, bool) {
	return c.blobs.get(ctx, ref.String(), true)
}

// PutBlob caches h under ref, taking over one of the caller's references.
// A different handle already cached under ref is released.
func (c *Cache) PutBlob(ctx context.Context, ref signedmedia.Reference, h *blob.Handle) {
	if ref.IsZero() || h == nil {
		return
	}
	c.blobs.put(ctx, ref.String(), h)
}

// ReleaseBlob removes the entry for ref and drops the cache's reference. The
// object is revoked once no consumer holds it.
func (c *Cache) ReleaseBlob(ctx context.Context, ref signedmedia.Reference) {
	c.blobs.remove(ctx, ref.String())
}

// Len returns the number of entries in each tier.
func (c *Cache) Len() (signed, blobs int) {
	return c.signed.Len(), c.blobs.len()
}

// Close releases every cached local object and empties both tiers.
func (c *Cache) Close() {
	c.signed.Purge()
	n := c.blobs.purge()
	c.logger.Debug("resolution cache closed", "released", n)
}
