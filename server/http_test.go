package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/catalog"
	"github.com/wolfeidau/signed-media/optimistic"
	"github.com/wolfeidau/signed-media/recordstore"
	"github.com/wolfeidau/signed-media/upstream"
	"github.com/wolfeidau/signed-media/upstream/gateway"
	"github.com/wolfeidau/signed-media/upstream/s3sign"
)

type testEnv struct {
	srv   *Server
	store *recordstore.Store
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	signer, err := s3sign.New(s3sign.Config{
		Endpoint:  "s3.example.com",
		Bucket:    "media",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		UseSSL:    true,
		Prefix:    "ns",
		Now:       func() time.Time { return time.UnixMilli(123) },
	})
	require.NoError(t, err)

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store, err := recordstore.Open(filepath.Join(t.TempDir(), "records.db"),
		recordstore.WithNoSync(true),
		recordstore.WithNow(func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(Config{
		AuthToken:   token,
		DefaultUser: "u1",
		Signer:      signer,
		Records:     store,
		Categories:  store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestNew_RequiresSigner(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestViewURL(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodGet, "/getViewUrl?key=ns/u2/a.jpg", nil, http.Header{"X-User-Id": {"u2"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	u, err := url.Parse(body.URL)
	require.NoError(t, err)
	require.Contains(t, u.Path, "ns/u2/a.jpg")
	require.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
}

func TestViewURL_OutsideNamespaceIsForbidden(t *testing.T) {
	e := newTestEnv(t, "")

	// the default user is u1
	rec := e.do(t, http.MethodGet, "/getViewUrl?key=ns/u2/a.jpg", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", decodeError(t, rec))
}

func TestViewURL_MissingKey(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodGet, "/getViewUrl", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadURL(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodPost, "/getUploadUrl", map[string]string{"contentType": "image/jpeg"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var target upstream.UploadTarget
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&target))
	require.Equal(t, "ns/u1/avatar-123.jpg", target.Key)
	require.NotEmpty(t, target.UploadURL)
}

func TestUploadURL_UnsupportedType(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodPost, "/getUploadUrl", map[string]string{"contentType": "application/pdf"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeError(t, rec), "unsupported content type")
}

func TestUploadURL_BadBody(t *testing.T) {
	e := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodPost, "/getUploadUrl", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_AppliedToRoutes(t *testing.T) {
	e := newTestEnv(t, "secret-token")

	rec := e.do(t, http.MethodGet, "/getViewUrl?key=ns/u1/a.jpg", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/getViewUrl?key=ns/u1/a.jpg", nil, http.Header{"Authorization": {"Bearer secret-token"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesAbsentWithoutStores(t *testing.T) {
	signer, err := s3sign.New(s3sign.Config{Endpoint: "s3.example.com", Bucket: "media"})
	require.NoError(t, err)
	srv, err := New(Config{Signer: signer, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/category/get-all-categories", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// The gateway client and the server agree on the wire format.
func TestGatewayClientRoundTrip(t *testing.T) {
	e := newTestEnv(t, "secret-token")
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	client, err := gateway.New(ts.URL, gateway.WithToken("secret-token"))
	require.NoError(t, err)
	ctx := context.Background()

	u, err := client.ExchangeKeyForViewURL(ctx, "ns/u1/avatar-1.jpg")
	require.NoError(t, err)
	require.Contains(t, u, "ns/u1/avatar-1.jpg")

	_, err = client.ExchangeKeyForViewURL(ctx, "ns/other/avatar-1.jpg")
	require.ErrorIs(t, err, signedmedia.ErrForbidden)
	require.ErrorIs(t, err, signedmedia.ErrUpstreamExchange)

	target, err := client.RequestUploadTarget(ctx, "image/png", "product")
	require.NoError(t, err)
	require.Equal(t, "ns/u1/product-123.png", target.Key)

	_, err = client.PersistRecordField(ctx, "prod-1", "photos", []string{"ns/u1/a.jpg", target.Key})
	require.NoError(t, err)
	rec, err := e.store.GetRecord(ctx, "prod-1")
	require.NoError(t, err)
	require.Equal(t, []signedmedia.Reference{"ns/u1/a.jpg", "ns/u1/product-123.png"}, signedmedia.FromRecord(rec, "photos"))
}

func TestGatewayClientCategories(t *testing.T) {
	e := newTestEnv(t, "")
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()
	ctx := context.Background()

	shoes, err := e.store.CreateCategory(ctx, "Shoes", "")
	require.NoError(t, err)
	hats, err := e.store.CreateCategory(ctx, "Hats", "")
	require.NoError(t, err)

	client, err := gateway.New(ts.URL)
	require.NoError(t, err)

	l, err := catalog.NewList(ctx, client, optimistic.WithUndoWindow(time.Minute))
	require.NoError(t, err)
	require.Len(t, l.Items(), 2)

	_, err = catalog.Rename(ctx, l, shoes.ID, "hats")
	require.ErrorIs(t, err, signedmedia.ErrConflict)
	require.Equal(t, "Shoes", l.Items()[0].Name)

	_, err = catalog.Rename(ctx, l, shoes.ID, "Sneakers")
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, hats.ID))
	_, err = l.Undo(ctx)
	require.NoError(t, err)

	list, err := e.store.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Sneakers", list[0].Name)
	require.Equal(t, hats.ID, list[1].ID)
	require.Equal(t, hats.CreatedAt, list[1].CreatedAt)
}
