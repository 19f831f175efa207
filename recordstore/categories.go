package recordstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/catalog"
	"github.com/wolfeidau/signed-media/telemetry"
	"go.etcd.io/bbolt"
)

var _ catalog.Service = (*Store)(nil)

// ListCategories returns all categories ordered by creation time.
func (s *Store) ListCategories(_ context.Context) ([]catalog.Category, error) {
	var out []catalog.Category
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCategories).ForEach(func(_, v []byte) error {
			c, err := s.decodeCategory(v)
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b catalog.Category) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// CreateCategory adds a category with a new id.
func (s *Store) CreateCategory(ctx context.Context, name, content string) (catalog.Category, error) {
	c := catalog.Category{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now().UTC(),
		Content:   content,
	}
	return c, s.insertCategory(ctx, "create", c)
}

// RestoreCategory recreates a deleted category with its original id,
// creation time and content.
func (s *Store) RestoreCategory(ctx context.Context, c catalog.Category) (catalog.Category, error) {
	if c.ID == "" {
		return catalog.Category{}, &signedmedia.ValidationError{Field: "id", Reason: "is required"}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	return c, s.insertCategory(ctx, "restore", c)
}

func (s *Store) insertCategory(ctx context.Context, op string, c catalog.Category) error {
	if c.Name == "" {
		return &signedmedia.ValidationError{Field: "name", Reason: "is required"}
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCategories)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("category %s already exists: %w", c.ID, signedmedia.ErrConflict)
		}
		if err := s.checkNameLocked(b, c.ID, c.Name); err != nil {
			return err
		}
		return s.putCategory(b, c)
	})
	telemetry.RecordRecordWrite(ctx, op, outcome(err))
	return err
}

// EditCategory renames a category. A name already used by another category
// is a conflict.
func (s *Store) EditCategory(ctx context.Context, id, name string) (catalog.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return catalog.Category{}, &signedmedia.ValidationError{Field: "name", Reason: "is required"}
	}

	var out catalog.Category
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCategories)
		val := b.Get([]byte(id))
		if val == nil {
			return fmt.Errorf("category %s: %w", id, signedmedia.ErrNotFound)
		}
		c, err := s.decodeCategory(val)
		if err != nil {
			return err
		}
		if err := s.checkNameLocked(b, id, name); err != nil {
			return err
		}
		c.Name = name
		out = c
		return s.putCategory(b, c)
	})
	telemetry.RecordRecordWrite(ctx, "edit", outcome(err))
	if err != nil {
		return catalog.Category{}, err
	}
	return out, nil
}

// DeleteCategory removes a category.
func (s *Store) DeleteCategory(ctx context.Context, id, _ string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCategories)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("category %s: %w", id, signedmedia.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
	telemetry.RecordRecordWrite(ctx, "delete", outcome(err))
	return err
}

func (s *Store) checkNameLocked(b *bbolt.Bucket, id, name string) error {
	return b.ForEach(func(k, v []byte) error {
		if string(k) == id {
			return nil
		}
		other, err := s.decodeCategory(v)
		if err != nil {
			return err
		}
		if strings.EqualFold(other.Name, name) {
			return fmt.Errorf("category name %q: %w", name, signedmedia.ErrConflict)
		}
		return nil
	})
}

func (s *Store) putCategory(b *bbolt.Bucket, c catalog.Category) error {
	doc := map[string]any{
		"id":        c.ID,
		"name":      c.Name,
		"createdAt": c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Content != "" {
		doc["content"] = c.Content
	}
	data, err := s.codec.encode(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(c.ID), data)
}

func (s *Store) decodeCategory(data []byte) (catalog.Category, error) {
	doc, err := s.codec.decode(data)
	if err != nil {
		return catalog.Category{}, fmt.Errorf("decoding category: %w", err)
	}
	c := catalog.Category{}
	c.ID, _ = doc["id"].(string)
	c.Name, _ = doc["name"].(string)
	c.Content, _ = doc["content"].(string)
	if ts, ok := doc["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.CreatedAt = t
		}
	}
	return c, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
