// Package telemetry provides request tagging, structured logging helpers and
// OpenTelemetry metrics for the signing gateway and the resolution client.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	// CacheStale is a hit on an entry that had already been retired.
	CacheStale CacheResult = "stale"
)

// RequestTags holds mutable request metadata that handlers set for logging.
type RequestTags struct {
	Operation string
	Endpoint  string
	UserID    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, &RequestTags{}))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetOperation sets the operation tag ("view_url", "upload_url", ...).
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// SetEndpoint sets the endpoint tag for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetUserID records the authenticated user for logging.
func SetUserID(r *http.Request, userID string) {
	if tags := GetTags(r); tags != nil {
		tags.UserID = userID
	}
}
