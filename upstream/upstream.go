// Package upstream defines the remote collaborators the media client talks
// to: the signing gateway that turns storage keys into URLs, the object
// store that receives uploads, and the record service that persists the
// committed key.
package upstream

import (
	"context"
	"io"
	"time"
)

// ViewURLExchanger exchanges a storage key for a time-limited view URL.
type ViewURLExchanger interface {
	ExchangeKeyForViewURL(ctx context.Context, key string) (string, error)
}

// UploadTarget is where a picked file is sent, and the key it will have.
type UploadTarget struct {
	UploadURL string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// UploadTargetRequester asks for a presigned upload target. hint is an
// optional destination prefix ("avatar", "product").
type UploadTargetRequester interface {
	RequestUploadTarget(ctx context.Context, contentType, hint string) (UploadTarget, error)
}

// ProgressFunc receives upload progress as a percentage in 0..100. Calls are
// monotonic and the last call on success is 100.
type ProgressFunc func(percent int)

// Uploader streams a body to an upload target.
type Uploader interface {
	Upload(ctx context.Context, target UploadTarget, body io.Reader, size int64, contentType string, progress ProgressFunc) error
}

// Record is a persisted record as returned by the record service.
type Record map[string]any

// RecordPersister writes one field of a record. fieldPath is dotted
// ("profile.avatar"); value is a string or a list of strings.
type RecordPersister interface {
	PersistRecordField(ctx context.Context, recordID, fieldPath string, value any) (Record, error)
}

// ExchangeFunc adapts a function to ViewURLExchanger.
type ExchangeFunc func(ctx context.Context, key string) (string, error)

func (f ExchangeFunc) ExchangeKeyForViewURL(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// UploadTargetFunc adapts a function to UploadTargetRequester.
type UploadTargetFunc func(ctx context.Context, contentType, hint string) (UploadTarget, error)

func (f UploadTargetFunc) RequestUploadTarget(ctx context.Context, contentType, hint string) (UploadTarget, error) {
	return f(ctx, contentType, hint)
}

// PersistFunc adapts a function to RecordPersister.
type PersistFunc func(ctx context.Context, recordID, fieldPath string, value any) (Record, error)

func (f PersistFunc) PersistRecordField(ctx context.Context, recordID, fieldPath string, value any) (Record, error) {
	return f(ctx, recordID, fieldPath, value)
}
