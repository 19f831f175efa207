package s3sign

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	signedmedia "github.com/wolfeidau/signed-media"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(Config{
		Endpoint:  "s3.example.com",
		Bucket:    "media",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		UseSSL:    true,
		Prefix:    "ns",
		Now:       func() time.Time { return time.UnixMilli(123) },
	})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(Config{Endpoint: "s3.example.com"})
	require.Error(t, err)
}

func TestViewURL(t *testing.T) {
	s := newTestSigner(t)

	raw, err := s.ViewURL(context.Background(), "u1", "ns/u1/avatar-1.png")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "https", u.Scheme)
	require.Contains(t, u.Host+u.Path, "media")
	require.Contains(t, u.Path, "ns/u1/avatar-1.png")
	require.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	require.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestViewURL_OutsideNamespace(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	for _, key := range []string{"ns/u2/avatar-1.png", "other/u1/a.png", "ns/u1/../u2/a.png", "ns/u10/a.png"} {
		_, err := s.ViewURL(ctx, "u1", key)
		require.ErrorIs(t, err, signedmedia.ErrForbidden, key)
	}

	_, err := s.ViewURL(ctx, "u1", "  ")
	require.ErrorIs(t, err, signedmedia.ErrValidation)
	_, err = s.ViewURL(ctx, "../u2", "ns/../u2/a.png")
	require.ErrorIs(t, err, signedmedia.ErrValidation)
}

func TestUploadTarget(t *testing.T) {
	s := newTestSigner(t)

	target, err := s.UploadTarget(context.Background(), "u1", "image/jpeg", "")
	require.NoError(t, err)
	require.Equal(t, "ns/u1/avatar-123.jpg", target.Key)
	require.Equal(t, time.UnixMilli(123).Add(DefaultUploadTTL), target.ExpiresAt)

	u, err := url.Parse(target.UploadURL)
	require.NoError(t, err)
	require.Equal(t, "60", u.Query().Get("X-Amz-Expires"))
	require.Contains(t, u.Path, "ns/u1/avatar-123.jpg")
}

func TestUploadTarget_Extensions(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	tests := map[string]string{
		"image/png":  "ns/u1/product-123.png",
		"image/jpg":  "ns/u1/product-123.jpg",
		"image/jpeg": "ns/u1/product-123.jpg",
		"image/webp": "ns/u1/product-123.webp",
		"IMAGE/PNG":  "ns/u1/product-123.png",
		"Image/JPEG": "ns/u1/product-123.jpg",
	}
	for contentType, want := range tests {
		target, err := s.UploadTarget(ctx, "u1", contentType, "product")
		require.NoError(t, err, contentType)
		require.Equal(t, want, target.Key)
	}
}

func TestUploadTarget_Rejects(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	_, err := s.UploadTarget(ctx, "u1", "image/gif", "")
	require.ErrorIs(t, err, signedmedia.ErrValidation)
	_, err = s.UploadTarget(ctx, "u1", "image/png", "../evil")
	require.ErrorIs(t, err, signedmedia.ErrValidation)
	_, err = s.UploadTarget(ctx, "", "image/png", "")
	require.ErrorIs(t, err, signedmedia.ErrValidation)
}

func TestUserSigner(t *testing.T) {
	us := newTestSigner(t).For("u1")
	ctx := context.Background()

	target, err := us.RequestUploadTarget(ctx, "image/webp", "avatar")
	require.NoError(t, err)

	view, err := us.ExchangeKeyForViewURL(ctx, target.Key)
	require.NoError(t, err)
	require.Contains(t, view, "avatar-123.webp")
}

func TestAllowedContentType(t *testing.T) {
	require.True(t, AllowedContentType("image/png"))
	require.True(t, AllowedContentType("IMAGE/WebP"))
	require.False(t, AllowedContentType("image/svg+xml"))
	require.False(t, AllowedContentType("text/image/png"))
}
