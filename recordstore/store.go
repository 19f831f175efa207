// Package recordstore is a local bbolt-backed record and category service.
// It persists committed media keys into records addressed by dotted field
// paths and backs the category list used by the optimistic editor.
package recordstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/telemetry"
	"github.com/wolfeidau/signed-media/upstream"
	"go.etcd.io/bbolt"
)

var (
	bucketRecords    = []byte("records")    // record id -> envelope
	bucketCategories = []byte("categories") // category id -> envelope
)

var _ upstream.RecordPersister = (*Store)(nil)

// Store is a bbolt-backed record store.
type Store struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
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

// WithNoSync disables fsync per transaction. Use only for tests.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens or creates the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketCategories} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.codec = c

	s.logger.Debug("opened record store", "path", path, "noSync", s.noSync)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetRecord returns a record.
func (s *Store) GetRecord(_ context.Context, id string) (upstream.Record, error) {
	var rec upstream.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("record %s: %w", id, signedmedia.ErrNotFound)
		}
		doc, err := s.codec.decode(val)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		rec = doc
		return nil
	})
	return rec, err
}

// PersistRecordField sets the dotted fieldPath of record recordID to value,
// creating the record and intermediate objects as needed, and returns the
// updated record. value may be a string, a reference or a list of either.
func (s *Store) PersistRecordField(ctx context.Context, recordID, fieldPath string, value any) (upstream.Record, error) {
	if recordID == "" {
		return nil, &signedmedia.ValidationError{Field: "recordId", Reason: "is required"}
	}
	path, err := splitPath(fieldPath)
	if err != nil {
		return nil, err
	}
	v, err := documentValue(value)
	if err != nil {
		return nil, err
	}

	var rec upstream.Record
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		doc := map[string]any{}
		if val := b.Get([]byte(recordID)); val != nil {
			existing, err := s.codec.decode(val)
			if err != nil {
				return fmt.Errorf("record %s: %w", recordID, err)
			}
			doc = existing
		}

		if err := setPath(doc, path, v); err != nil {
			return err
		}
		doc["updatedAt"] = s.now().UTC().Format(time.RFC3339Nano)

		data, err := s.codec.encode(doc)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(recordID), data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		rec = doc
		return nil
	})
	if err != nil {
		telemetry.RecordRecordWrite(ctx, "persist", "error")
		return nil, err
	}

	telemetry.RecordRecordWrite(ctx, "persist", "success")
	s.logger.Debug("persisted record field", "record", recordID, "field", fieldPath)
	return rec, nil
}

func splitPath(fieldPath string) ([]string, error) {
	parts := strings.Split(fieldPath, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &signedmedia.ValidationError{Field: "fieldPath", Reason: fmt.Sprintf("invalid path %q", fieldPath)}
		}
	}
	return parts, nil
}

func setPath(doc map[string]any, path []string, v any) error {
	cur := doc
	for i, p := range path[:len(path)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			m := map[string]any{}
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return &signedmedia.ValidationError{
				Field:  "fieldPath",
				Reason: fmt.Sprintf("%s is not an object", strings.Join(path[:i+1], ".")),
			}
		}
		cur = m
	}
	cur[path[len(path)-1]] = v
	return nil
}

// documentValue converts value to a shape structpb accepts.
func documentValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case signedmedia.Reference:
		return v.String(), nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []signedmedia.Reference:
		out := make([]any, len(v))
		for i, r := range v {
			out[i] = r.String()
		}
		return out, nil
	case []any, map[string]any, nil, bool, float64:
		return v, nil
	default:
		return nil, &signedmedia.ValidationError{Field: "value", Reason: fmt.Sprintf("unsupported type %T", value)}
	}
}
