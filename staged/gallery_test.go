package staged

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	signedmedia "github.com/wolfeidau/signed-media"
)

func newTestGallery(h *harness) *Gallery {
	cfg := h.config()
	cfg.RecordID = "prod-1"
	cfg.FieldPath = "photos"
	cfg.Hint = "product"
	return NewGallery(cfg, []signedmedia.Reference{"ns/u1/a.jpg", " ", "ns/u1/b.jpg"})
}

func TestGallery_CommitReconciledList(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)
	ctx := context.Background()

	items := g.Items()
	require.Len(t, items, 2)
	first := items[0].ID

	added, err := g.Add(ctx, jpeg(10))
	require.NoError(t, err)
	require.NoError(t, g.Upload(ctx, added))
	require.NoError(t, g.Move(added, 0))
	require.NoError(t, g.Remove(ctx, first))

	require.Equal(t, []signedmedia.Reference{"ns/u1/product-123.jpg", "ns/u1/b.jpg"}, g.Keys())
	require.NoError(t, g.Commit(ctx))

	writes := h.persister.Writes()
	require.Len(t, writes, 1)
	require.Equal(t, "photos", writes[0].FieldPath)
	require.Equal(t, []string{"ns/u1/product-123.jpg", "ns/u1/b.jpg"}, writes[0].Value)

	for _, it := range g.Items() {
		require.True(t, it.Persisted)
	}
}

func TestGallery_RefusesWhileUploadsInFlight(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)
	ctx := context.Background()

	_, err := g.Add(ctx, jpeg(10))
	require.NoError(t, err)

	err = g.Commit(ctx)
	require.ErrorIs(t, err, signedmedia.ErrUploadsInFlight)
	require.Empty(t, h.persister.Writes())
}

func TestGallery_PersistFailureChangesNothing(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)
	ctx := context.Background()

	id, err := g.Add(ctx, jpeg(10))
	require.NoError(t, err)
	require.NoError(t, g.Upload(ctx, id))

	h.persister.err = errors.New("timeout")
	before := g.Items()
	require.ErrorIs(t, g.Commit(ctx), signedmedia.ErrPersistFailed)
	require.Equal(t, before, g.Items())

	m, ok := g.Mutation(id)
	require.True(t, ok)
	require.Equal(t, PhasePending, m.Phase())
}

func TestGallery_FailedItemDoesNotBlockSiblings(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)
	ctx := context.Background()

	bad, err := g.Add(ctx, jpeg(10))
	require.NoError(t, err)
	good, err := g.Add(ctx, BytesFile("b.png", "image/png", []byte("png bytes")))
	require.NoError(t, err)

	h.uploader.mu.Lock()
	h.uploader.err = errors.New("connection reset")
	h.uploader.mu.Unlock()
	require.ErrorIs(t, g.Upload(ctx, bad), signedmedia.ErrUploadFailed)

	h.uploader.mu.Lock()
	h.uploader.err = nil
	h.uploader.mu.Unlock()
	require.NoError(t, g.Upload(ctx, good))

	require.ErrorIs(t, g.Commit(ctx), signedmedia.ErrUploadsInFlight)
	require.NoError(t, g.Cancel(ctx, bad))
	require.NoError(t, g.Commit(ctx))

	writes := h.persister.Writes()
	require.Len(t, writes, 1)
	require.Equal(t, []string{"ns/u1/a.jpg", "ns/u1/b.jpg", "ns/u1/product-124.png"}, writes[0].Value)
}

func TestGallery_RejectedFileAddsNothing(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)

	_, err := g.Add(context.Background(), jpeg(11<<20))
	require.ErrorIs(t, err, signedmedia.ErrValidation)
	require.Len(t, g.Items(), 2)
}

func TestGallery_CancelPersistedItem(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)

	err := g.Cancel(context.Background(), g.Items()[0].ID)
	require.ErrorIs(t, err, ErrWrongPhase)
	require.ErrorIs(t, g.Cancel(context.Background(), "missing"), signedmedia.ErrNotFound)
}

func TestGallery_CloseReleasesAdditions(t *testing.T) {
	h := newHarness()
	g := newTestGallery(h)
	ctx := context.Background()

	id, err := g.Add(ctx, jpeg(10))
	require.NoError(t, err)
	require.NoError(t, g.Upload(ctx, id))
	_, err = g.Add(ctx, jpeg(10))
	require.NoError(t, err)

	g.Close()
	h.cache.Close()
	require.Zero(t, h.objects.Live())
	require.Equal(t, 1, h.objects.MaxRevokes())
}
