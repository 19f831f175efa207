// Package blobtest provides an in-memory blob.Objects that counts creates
// and revokes per URI, for asserting exactly-once release in tests.
package blobtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/blob"
)

// Counting is a blob.Objects that keeps object bytes in memory.
type Counting struct {
	mu      sync.Mutex
	data    map[string][]byte
	sources map[string]string
	revokes map[string]int
	order   []string

	// CreateErr, when set, is returned by Create.
	CreateErr error
}

// New creates an empty Counting store.
func New() *Counting {
	return &Counting{
		data:    make(map[string][]byte),
		sources: make(map[string]string),
		revokes: make(map[string]int),
	}
}

func (c *Counting) Create(ctx context.Context, r io.Reader, contentType, source string) (blob.Object, error) {
	c.mu.Lock()
	err := c.CreateErr
	c.mu.Unlock()
	if err != nil {
		return blob.Object{}, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return blob.Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return blob.Object{}, err
	}

	uri := blob.URIScheme + uuid.NewString()
	c.mu.Lock()
	c.data[uri] = data
	c.sources[uri] = source
	c.order = append(c.order, uri)
	c.mu.Unlock()

	return blob.Object{
		URI:         uri,
		ContentType: contentType,
		Size:        int64(len(data)),
		Digest:      signedmedia.HashBytes(data),
	}, nil
}

func (c *Counting) Revoke(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[uri]; !ok {
		return fmt.Errorf("%w: %s", blob.ErrUnknownObject, uri)
	}
	c.revokes[uri]++
	delete(c.data, uri)
	return nil
}

// Created returns the number of objects created so far.
func (c *Counting) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Revokes returns how many times uri was revoked.
func (c *Counting) Revokes(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revokes[uri]
}

// Live returns the number of objects created and not yet revoked.
func (c *Counting) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// URIs returns every created URI in creation order.
func (c *Counting) URIs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Bytes returns the contents of a live object.
func (c *Counting) Bytes(uri string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[uri]
	return b, ok
}

// Source returns the source recorded when uri was created.
func (c *Counting) Source(uri string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sources[uri]
}

// MaxRevokes returns the highest revoke count of any object; anything above
// one is a double revoke.
func (c *Counting) MaxRevokes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	highest := 0
	for _, n := range c.revokes {
		if n > highest {
			highest = n
		}
	}
	return highest
}

var _ blob.Objects = (*Counting)(nil)
