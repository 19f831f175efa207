package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireBearer_Disabled(t *testing.T) {
	h := requireBearer("", okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/getViewUrl?key=ns/u1/a.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireBearer(t *testing.T) {
	h := requireBearer("test-token-123", okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid", "/getViewUrl", "Bearer test-token-123", http.StatusOK},
		{"wrong token", "/getViewUrl", "Bearer wrong-token", http.StatusUnauthorized},
		{"missing header", "/getUploadUrl", "", http.StatusUnauthorized},
		{"wrong scheme", "/records/me", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"token prefix only", "/category/get-all-categories", "Bearer test-token", http.StatusUnauthorized},
		{"health exempt", "/health", "", http.StatusOK},
		{"metrics exempt", "/metrics", "", http.StatusOK},
		{"exempt is exact", "/health/extra", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireBearer_UnauthorizedBody(t *testing.T) {
	h := requireBearer("test-token-123", okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/getViewUrl", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}
