package blob

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Handle is a reference-counted owner of one local object. Acquire adds a
// reference, Release drops one, and the object is revoked when the count
// reaches zero. Releasing more often than acquiring is logged and ignored so
// an object is never revoked twice.
type Handle struct {
	obj     Object
	objects Objects
	logger  *slog.Logger

	mu      sync.Mutex
	refs    int
	revoked bool
}

// NewHandle wraps obj with a single reference owned by the caller.
func NewHandle(objects Objects, obj Object, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		obj:     obj,
		objects: objects,
		logger:  logger,
		refs:    1,
	}
}

// Materialize creates a local object from r and returns a handle holding one
// reference.
func Materialize(ctx context.Context, objects Objects, r Source, logger *slog.Logger) (*Handle, error) {
	obj, err := objects.Create(ctx, r.Reader, r.ContentType, r.Name)
	if err != nil {
		return nil, err
	}
	return NewHandle(objects, obj, logger), nil
}

// URI returns the local object URI.
func (h *Handle) URI() string {
	return h.obj.URI
}

// Object returns the object description.
func (h *Handle) Object() Object {
	return h.obj
}

// Acquire adds a reference. It returns false if the object was already
// revoked, in which case the caller must not use the URI.
func (h *Handle) Acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked {
		return false
	}
	h.refs++
	return true
}

// Release drops a reference and revokes the object at zero.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.revoked || h.refs == 0 {
		h.mu.Unlock()
		h.logger.Warn("release of revoked local object ignored", "uri", h.obj.URI)
		return
	}
	h.refs--
	if h.refs > 0 {
		h.mu.Unlock()
		return
	}
	h.revoked = true
	h.mu.Unlock()

	if err := h.objects.Revoke(context.Background(), h.obj.URI); err != nil {
		h.logger.Warn("revoking local object failed", "uri", h.obj.URI, "error", err)
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Revoked reports whether the object has been revoked.
func (h *Handle) Revoked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revoked
}

// Source is the input to Materialize.
type Source struct {
	Reader      io.Reader
	ContentType string
	// Name identifies where the bytes came from (a reference or file name).
	Name string
}
