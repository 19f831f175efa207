// Package blob manages local objects: downloaded or picked bytes that are
// redeemable through a short "blob:" URI for the lifetime of a session and
// must be revoked exactly once.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/backend"
	"github.com/wolfeidau/signed-media/telemetry"
)

// URIScheme prefixes every local object URI.
const URIScheme = "blob:"

const objectKeyPrefix = "objects"

// ErrUnknownObject is returned when a URI does not name a live object.
var ErrUnknownObject = errors.New("unknown local object")

// Object describes one materialized local object.
type Object struct {
	URI         string
	ContentType string
	Size        int64
	Digest      signedmedia.Hash
}

// Objects creates and revokes local objects. It is the Go counterpart of a
// browser's createObjectURL/revokeObjectURL pair.
type Objects interface {
	Create(ctx context.Context, r io.Reader, contentType, source string) (Object, error)
	Revoke(ctx context.Context, uri string) error
}

// Store is an Objects implementation that frames object bytes into a
// backend.Backend under objects/{uuid}.
type Store struct {
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	created atomic.Int64
	revoked atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store writing into b.
func NewStore(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create materializes r as a new local object. The body is hashed while it
// is written so the digest is known once Create returns.
func (s *Store) Create(ctx context.Context, r io.Reader, contentType, source string) (Object, error) {
	id := uuid.NewString()
	key := objectKey(id)

	dr := signedmedia.NewDigestReader(r)
	header := &backend.ObjectHeader{
		ContentType: contentType,
		CreatedAt:   s.now(),
		Source:      source,
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(backend.WriteFramed(pw, header, dr))
	}()

	if err := s.backend.Write(ctx, key, pr); err != nil {
		_ = pr.CloseWithError(err)
		_ = s.backend.Delete(context.WithoutCancel(ctx), key)
		return Object{}, fmt.Errorf("materializing object: %w", err)
	}

	s.created.Add(1)
	telemetry.RecordObjectCreated(ctx, dr.Size())

	obj := Object{
		URI:         URIScheme + id,
		ContentType: contentType,
		Size:        dr.Size(),
		Digest:      dr.Sum(),
	}
	s.logger.Debug("local object created", "uri", obj.URI, "source", source, "size", obj.Size)
	return obj, nil
}

// Revoke deletes the object behind uri.
func (s *Store) Revoke(ctx context.Context, uri string) error {
	id, ok := parseURI(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, uri)
	}
	if err := s.backend.Delete(ctx, objectKey(id)); err != nil {
		return fmt.Errorf("revoking %s: %w", uri, err)
	}
	s.revoked.Add(1)
	telemetry.RecordObjectRevoked(ctx)
	s.logger.Debug("local object revoked", "uri", uri)
	return nil
}

// Open redeems uri for its header and bytes. The caller closes the reader.
func (s *Store) Open(ctx context.Context, uri string) (*backend.ObjectHeader, io.ReadCloser, error) {
	id, ok := parseURI(uri)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownObject, uri)
	}
	rc, err := s.backend.Read(ctx, objectKey(id))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownObject, uri)
		}
		return nil, nil, err
	}
	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	return header, readCloser{Reader: body, Closer: rc}, nil
}

// ReadAll is a convenience around Open for small objects.
func (s *Store) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	_, rc, err := s.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Live returns the number of created objects not yet revoked.
func (s *Store) Live() int64 {
	return s.created.Load() - s.revoked.Load()
}

func objectKey(id string) string {
	return objectKeyPrefix + "/" + id[:2] + "/" + id
}

func parseURI(uri string) (string, bool) {
	id, ok := strings.CutPrefix(uri, URIScheme)
	if !ok || len(id) < 2 {
		return "", false
	}
	return id, true
}

type readCloser struct {
	io.Reader
	io.Closer
}

var _ Objects = (*Store)(nil)
