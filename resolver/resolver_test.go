package resolver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/blob/blobtest"
	"github.com/wolfeidau/signed-media/cache"
)

// mediaServer serves "image bytes for <path>" and counts hits per path.
type mediaServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newMediaServer(t *testing.T) *mediaServer {
	t.Helper()
	ms := &mediaServer{hits: make(map[string]int)}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits[r.URL.Path]++
		ms.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "image bytes for "+r.URL.Path)
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *mediaServer) Hits(path string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hits[path]
}

// fakeExchanger signs keys as URLs on the media server.
type fakeExchanger struct {
	base  string
	calls atomic.Int32
	gate  chan struct{}
	empty bool
}

func (f *fakeExchanger) ExchangeKeyForViewURL(ctx context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.empty {
		return "  ", nil
	}
	return f.base + "/" + key + "?X-Amz-Signature=" + time.Now().Format("150405.000000000"), nil
}

type fixture struct {
	cache     *cache.Cache
	objects   *blobtest.Counting
	exchanger *fakeExchanger
	media     *mediaServer
	resolver  *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	media := newMediaServer(t)
	f := &fixture{
		cache:     cache.New(cache.Config{}),
		objects:   blobtest.New(),
		exchanger: &fakeExchanger{base: media.URL},
		media:     media,
	}
	f.resolver = New(f.cache, f.exchanger, f.objects)
	return f
}

func TestResolve_Empty(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Resolve(context.Background(), "   ", Options{PreferBlob: true})
	require.NoError(t, err)
	require.True(t, res.IsZero())
	res.Release()
	require.Zero(t, f.exchanger.calls.Load())
}

func TestResolve_DirectURL(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Resolve(context.Background(), "https://cdn.example/a.png", Options{})
	require.NoError(t, err)
	require.Equal(t, signedmedia.OriginDirect, res.Origin)
	require.Equal(t, "https://cdn.example/a.png", res.URI)

	signed, blobs := f.cache.Len()
	require.Zero(t, signed)
	require.Zero(t, blobs)
	require.Zero(t, f.exchanger.calls.Load())
}

func TestResolve_SignedKeyIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, "ns/u1/a.png", Options{})
	require.NoError(t, err)
	require.Equal(t, signedmedia.OriginSigned, first.Origin)
	require.True(t, strings.HasPrefix(first.URI, f.media.URL+"/ns/u1/a.png"))

	second, err := f.resolver.Resolve(ctx, "ns/u1/a.png", Options{})
	require.NoError(t, err)
	require.Equal(t, first.URI, second.URI)
	require.Equal(t, int32(1), f.exchanger.calls.Load())
}

func TestResolve_KeyPreferBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.resolver.Resolve(ctx, "ns/u1/a.png", Options{PreferBlob: true})
	require.NoError(t, err)
	require.Equal(t, signedmedia.OriginBlob, res.Origin)
	require.True(t, strings.HasPrefix(res.URI, blob.URIScheme))

	data, ok := f.objects.Bytes(res.URI)
	require.True(t, ok)
	require.Equal(t, "image bytes for /ns/u1/a.png", string(data))
	require.Equal(t, signedmedia.HashBytes(data), res.Digest)

	again, err := f.resolver.Resolve(ctx, "ns/u1/a.png", Options{PreferBlob: true})
	require.NoError(t, err)
	require.Equal(t, res.URI, again.URI, "blob tier is keyed by the storage key")
	require.Equal(t, 1, f.media.Hits("/ns/u1/a.png"))

	res.Release()
	again.Release()
	require.Zero(t, f.objects.Revokes(res.URI), "cache still owns the object")
}

func TestResolve_URLPreferBlob(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver.Resolve(context.Background(), signedmedia.Reference(f.media.URL+"/pic.png"), Options{PreferBlob: true})
	require.NoError(t, err)
	defer res.Release()

	require.Equal(t, signedmedia.OriginBlob, res.Origin)
	require.Zero(t, f.exchanger.calls.Load())
	uri, ok := f.cache.GetBlob(context.Background(), signedmedia.Reference(f.media.URL+"/pic.png"))
	require.True(t, ok)
	require.Equal(t, res.URI, uri)
}

func TestResolve_FetchFailedIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := signedmedia.Reference(f.media.URL + "/missing.png")

	_, err := f.resolver.Resolve(ctx, ref, Options{PreferBlob: true})
	require.ErrorIs(t, err, signedmedia.ErrFetchFailed)
	require.ErrorIs(t, err, signedmedia.ErrNotFound)

	_, err = f.resolver.Resolve(ctx, ref, Options{PreferBlob: true})
	require.ErrorIs(t, err, signedmedia.ErrFetchFailed)
	require.Equal(t, 2, f.media.Hits("/missing.png"), "errors are never cached")
	require.Zero(t, f.objects.Created())

	// Another reference is unaffected.
	other, err := f.resolver.Resolve(ctx, signedmedia.Reference(f.media.URL+"/ok.png"), Options{PreferBlob: true})
	require.NoError(t, err)
	other.Release()
}

func TestResolve_NoURLReturned(t *testing.T) {
	f := newFixture(t)
	f.exchanger.empty = true

	_, err := f.resolver.Resolve(context.Background(), "ns/u1/a.png", Options{})
	require.ErrorIs(t, err, signedmedia.ErrNoURLReturned)
	require.ErrorIs(t, err, signedmedia.ErrUpstreamExchange)

	signed, _ := f.cache.Len()
	require.Zero(t, signed)
}

func TestResolve_CancelledIsAborted(t *testing.T) {
	f := newFixture(t)
	f.exchanger.gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.resolver.Resolve(ctx, "ns/u1/a.png", Options{})
	require.ErrorIs(t, err, signedmedia.ErrAborted)
}

func TestResolve_ConcurrentResolutionsConverge(t *testing.T) {
	f := newFixture(t)
	f.exchanger.gate = make(chan struct{})

	const n = 10
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = f.resolver.Resolve(context.Background(), "ns/u1/shared.png", Options{PreferBlob: true})
		}(i)
	}

	require.Eventually(t, func() bool { return f.exchanger.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.exchanger.gate)
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].URI, results[i].URI)
	}
	require.Equal(t, int32(1), f.exchanger.calls.Load(), "one exchange")
	require.Equal(t, 1, f.media.Hits("/ns/u1/shared.png"), "one fetch")
	require.Equal(t, 1, f.objects.Created())

	for _, r := range results {
		r.Release()
	}
	f.cache.Close()
	require.Zero(t, f.objects.Live())
	require.Equal(t, 1, f.objects.MaxRevokes())
}

// gatedObjects creates the object and then holds Create until released, so a
// test can tear the caller down between materialization and caching.
type gatedObjects struct {
	*blobtest.Counting
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedObjects) Create(ctx context.Context, r io.Reader, contentType, source string) (blob.Object, error) {
	obj, err := g.Counting.Create(context.Background(), r, contentType, source)
	close(g.entered)
	<-g.gate
	return obj, err
}

func TestConsumer_AbortedMaterializationIsReleased(t *testing.T) {
	media := newMediaServer(t)
	objects := &gatedObjects{Counting: blobtest.New(), entered: make(chan struct{}), gate: make(chan struct{})}
	c := cache.New(cache.Config{})
	r := New(c, &fakeExchanger{base: media.URL}, objects)

	consumer := r.NewConsumer()
	consumer.Resolve(signedmedia.Reference(media.URL+"/slow.png"), Options{PreferBlob: true})

	<-objects.entered
	consumer.Close()
	close(objects.gate)

	require.Eventually(t, func() bool {
		uris := objects.URIs()
		return len(uris) == 1 && objects.Revokes(uris[0]) == 1
	}, time.Second, 5*time.Millisecond)

	_, blobs := c.Len()
	require.Zero(t, blobs, "aborted object must never reach the cache")
	require.Equal(t, 1, objects.MaxRevokes())
}
