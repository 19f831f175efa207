package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	signedmedia "github.com/wolfeidau/signed-media"
)

// State is what a consumer currently displays.
type State struct {
	Reference signedmedia.Reference
	Resolved  signedmedia.Resolved
	// Loading is set while a resolution is outstanding. A hung upstream call
	// leaves the consumer loading rather than failed.
	Loading bool
	Err     error
}

// URI returns the renderable URI, or "" while loading or on error.
func (s State) URI() string {
	return s.Resolved.URI
}

// Consumer binds resolution to one display lifetime. Each Resolve supersedes
// the previous one: its network work is cancelled, its result is never
// published, and any local object it held is released. Close tears the
// consumer down the same way.
type Consumer struct {
	resolver *Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	gen     uint64
	opts    Options
	cancel  context.CancelFunc
	current *Result
	state   State
	seq     uint64
	changed chan struct{}
	subs    map[int]func(State)
	nextSub int
	closed  bool
	wg      sync.WaitGroup

	// notifyMu orders subscriber callbacks; delivered drops stale ones.
	notifyMu  sync.Mutex
	delivered uint64
}

// NewConsumer creates a Consumer backed by r.
func (r *Resolver) NewConsumer() *Consumer {
	return &Consumer{
		resolver: r,
		logger:   r.logger,
		changed:  make(chan struct{}),
		subs:     make(map[int]func(State)),
	}
}

// Resolve starts resolving ref and returns immediately. Resolving the
// reference already shown (or loading) with the same options is a no-op
// unless the previous attempt failed.
func (c *Consumer) Resolve(ref signedmedia.Reference, opts Options) {
	ref = ref.Trim()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if ref == c.state.Reference && opts == c.opts && c.state.Err == nil && !ref.IsZero() {
		c.mu.Unlock()
		return
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	gen := c.gen
	c.opts = opts
	old := c.current
	c.current = nil

	if ref.IsZero() {
		st, seq := c.publishLocked(State{})
		c.mu.Unlock()
		old.Release()
		c.notify(st, seq)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	st, seq := c.publishLocked(State{Reference: ref, Loading: true})
	c.wg.Add(1)
	c.mu.Unlock()

	old.Release()
	c.notify(st, seq)

	go c.run(ctx, cancel, gen, ref, opts)
}

func (c *Consumer) run(ctx context.Context, cancel context.CancelFunc, gen uint64, ref signedmedia.Reference, opts Options) {
	defer c.wg.Done()
	defer cancel()

	res, err := c.resolver.Resolve(ctx, ref, opts)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		res.Release()
		return
	}
	if err != nil && errors.Is(err, signedmedia.ErrAborted) {
		c.mu.Unlock()
		return
	}

	c.cancel = nil
	var next State
	if err != nil {
		c.logger.Debug("consumer resolution failed", "ref", ref, "error", err)
		next = State{Reference: ref, Err: err}
	} else {
		c.current = res
		next = State{Reference: ref, Resolved: res.Resolved}
	}
	st, seq := c.publishLocked(next)
	c.mu.Unlock()

	c.notify(st, seq)
}

// State returns the current state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until the consumer is not loading or ctx ends.
func (c *Consumer) Wait(ctx context.Context) (State, error) {
	for {
		c.mu.Lock()
		st, ch := c.state, c.changed
		c.mu.Unlock()

		if !st.Loading {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Subscribe registers fn to receive every published state and returns a
// function that removes it.
func (c *Consumer) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Close cancels outstanding work, releases the displayed object and waits
// for the background resolution to return. The consumer cannot be reused.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	old := c.current
	c.current = nil
	c.subs = map[int]func(State){}
	c.mu.Unlock()

	old.Release()
	c.wg.Wait()
}

func (c *Consumer) publishLocked(st State) (State, uint64) {
	c.state = st
	c.seq++
	close(c.changed)
	c.changed = make(chan struct{})
	return st, c.seq
}

func (c *Consumer) notify(st State, seq uint64) {
	c.mu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.delivered = seq
	for _, fn := range subs {
		fn(st)
	}
}
