package server

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/wolfeidau/signed-media/telemetry"
)

// publicPaths never require a token.
var publicPaths = []string{"/health", "/metrics"}

// requireBearer rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check.
func requireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(publicPaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			telemetry.SetOperation(r, "unauthorized")
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
