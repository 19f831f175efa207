// Package catalog manages product categories with optimistic rename and
// delete-with-undo.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/optimistic"
)

// Category is a product category.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	Content   string    `json:"content,omitempty"`
}

// Service is the remote category authority.
type Service interface {
	ListCategories(ctx context.Context) ([]Category, error)
	EditCategory(ctx context.Context, id, name string) (Category, error)
	DeleteCategory(ctx context.Context, id, name string) error
	// RestoreCategory recreates a deleted category keeping its id,
	// creation time and content.
	RestoreCategory(ctx context.Context, c Category) (Category, error)
}

// List is the locally held category list.
type List = optimistic.List[Category]

// NewList loads the categories from svc.
func NewList(ctx context.Context, svc Service, opts ...optimistic.Option) (*List, error) {
	items, err := svc.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return optimistic.New(items, categoryID, remote{svc}, opts...), nil
}

// Reload replaces the local list with the remote one.
func Reload(ctx context.Context, l *List, svc Service) error {
	items, err := svc.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("listing categories: %w", err)
	}
	l.Replace(items)
	return nil
}

// Rename renames a category. A duplicate name is reported with
// signedmedia.ErrConflict in the chain.
func Rename(ctx context.Context, l *List, id, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, &signedmedia.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return l.Update(ctx, id, func(c Category) Category {
		c.Name = name
		return c
	})
}

func categoryID(c Category) string { return c.ID }

type remote struct {
	svc Service
}

func (r remote) Update(ctx context.Context, c Category) (Category, error) {
	saved, err := r.svc.EditCategory(ctx, c.ID, c.Name)
	if err != nil {
		return Category{}, err
	}
	// Some backends answer with an empty body.
	if saved.ID == "" {
		return c, nil
	}
	return saved, nil
}

func (r remote) Delete(ctx context.Context, c Category) error {
	return r.svc.DeleteCategory(ctx, c.ID, c.Name)
}

func (r remote) Restore(ctx context.Context, c Category) (Category, error) {
	restored, err := r.svc.RestoreCategory(ctx, c)
	if err != nil {
		return Category{}, err
	}
	if restored.ID == "" {
		return c, nil
	}
	return restored, nil
}
