// Package download deduplicates concurrent upstream operations (key
// exchanges, fetches) for the same reference. When several consumers miss
// the cache for one reference at once, only one network operation runs and
// every waiter receives its result.
package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

const maxJoinAttempts = 3

// Func performs the shared operation. Its context is detached from any one
// caller and is cancelled only when every waiter has gone away.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// Each caller waits with its own context; abandoning the wait does not cancel
// the operation for other waiters, but the last waiter to leave cancels it so
// superseded work does not run to completion for nobody.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return &Group[T]{
		logger:  o.logger,
		flights: make(map[string]*flight),
	}
}

// Do runs fn once for concurrent callers with the same key.
// It returns the result, whether it was shared with another caller, and any
// error. If ctx ends first, Do returns ctx.Err().
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		f := g.join(ctx, key)
		ch := g.group.DoChan(key, func() (any, error) {
			return fn(f.ctx)
		})

		select {
		case res := <-ch:
			g.leave(key, f)
			if res.Err != nil {
				// A flight cancelled because its waiters left can still be
				// joined by a caller that arrived late; retry for that caller.
				if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && attempt < maxJoinAttempts {
					g.logger.Debug("joined a cancelled flight, retrying", "key", key)
					continue
				}
				return zero, res.Shared, res.Err
			}
			return res.Val.(T), res.Shared, nil
		case <-ctx.Done():
			g.leave(key, f)
			return zero, false, ctx.Err()
		}
	}
}

// Forget removes the key from the group, allowing a subsequent call to start
// a fresh operation even if one is in flight.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}

// InFlight returns the number of keys with live waiters.
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

func (g *Group[T]) join(ctx context.Context, key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	return f
}

func (g *Group[T]) leave(key string, f *flight) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	f.cancel()
}
