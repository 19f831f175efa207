package blob_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/blob/blobtest"
)

func materialize(t *testing.T, objs blob.Objects, body string) *blob.Handle {
	t.Helper()
	h, err := blob.Materialize(context.Background(), objs, blob.Source{
		Reader:      strings.NewReader(body),
		ContentType: "image/png",
		Name:        "test",
	}, nil)
	require.NoError(t, err)
	return h
}

func TestHandleRevokesAtZero(t *testing.T) {
	objs := blobtest.New()
	h := materialize(t, objs, "pixels")

	require.True(t, h.Acquire())
	require.Equal(t, 2, h.Refs())

	h.Release()
	require.Equal(t, 0, objs.Revokes(h.URI()), "still referenced")
	require.False(t, h.Revoked())

	h.Release()
	require.Equal(t, 1, objs.Revokes(h.URI()))
	require.True(t, h.Revoked())
}

func TestHandleExtraReleaseIgnored(t *testing.T) {
	objs := blobtest.New()
	h := materialize(t, objs, "pixels")

	h.Release()
	h.Release()
	h.Release()

	require.Equal(t, 1, objs.Revokes(h.URI()))
	require.False(t, h.Acquire(), "revoked handles cannot be re-acquired")
}

func TestHandleConcurrentRelease(t *testing.T) {
	objs := blobtest.New()
	h := materialize(t, objs, "pixels")

	const n = 50
	for range n {
		require.True(t, h.Acquire())
	}

	var wg sync.WaitGroup
	for range n + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, objs.Revokes(h.URI()))
	require.Equal(t, 0, objs.Live())
}
