package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/signed-media/telemetry"
)

// Instrumented wraps a Backend with operation metrics.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented wraps b, labelling metrics with name ("memory", "filesystem").
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Purge delegates when the wrapped backend supports it.
func (ib *Instrumented) Purge(ctx context.Context) error {
	p, ok := ib.backend.(Purger)
	if !ok {
		return nil
	}
	start := time.Now()
	err := p.Purge(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "purge", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var (
	_ Backend = (*Instrumented)(nil)
	_ Purger  = (*Instrumented)(nil)
)
