// Package optimistic applies list edits locally before the remote call
// confirms them, rolling back on rejection, and keeps a short-lived undo for
// the most recent delete.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/telemetry"
)

// DefaultUndoWindow is how long a delete can be undone.
const DefaultUndoWindow = 5 * time.Second

// Remote is the authority behind a List.
type Remote[T any] interface {
	Update(ctx context.Context, item T) (T, error)
	Delete(ctx context.Context, item T) error
	// Restore recreates a deleted item with its original identity and values.
	Restore(ctx context.Context, item T) (T, error)
}

// Option configures a List.
type Option func(*options)

type options struct {
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// WithUndoWindow sets how long a delete can be undone.
func WithUndoWindow(d time.Duration) Option {
	return func(o *options) {
		o.window = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger for the list.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// inflight tracks overlapping updates of one id. Only the newest update may
// write the item; base is the last value the remote confirmed and is what a
// rejected newest update falls back to.
type inflight[T any] struct {
	version uint64
	active  int
	base    T
}

type pendingUndo[T any] struct {
	item     T
	index    int
	deadline time.Time
	timer    *time.Timer
}

// List is a locally held list of items identified by a string id.
type List[T any] struct {
	id     func(T) string
	remote Remote[T]
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	items   []T
	undo    *pendingUndo[T]
	updates map[string]*inflight[T]
	subs    map[int]func([]T)
	nextSub int
}

// New creates a List holding items.
func New[T any](items []T, id func(T) string, remote Remote[T], opts ...Option) *List[T] {
	o := &options{
		window: DefaultUndoWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &List[T]{
		id:      id,
		remote:  remote,
		window:  o.window,
		now:     o.now,
		logger:  o.logger,
		items:   slices.Clone(items),
		updates: make(map[string]*inflight[T]),
		subs:    make(map[int]func([]T)),
	}
}

// Items returns a copy of the current local list.
func (l *List[T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.items)
}

// Replace swaps the local list, e.g. after a reload, and drops any undo.
func (l *List[T]) Replace(items []T) {
	l.mu.Lock()
	l.items = slices.Clone(items)
	clear(l.updates)
	l.clearUndoLocked()
	l.mu.Unlock()
	l.notify()
}

// Subscribe registers fn to receive the list after every local change.
func (l *List[T]) Subscribe(fn func([]T)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Update applies fn to the item locally and then remotely. On rejection the
// last confirmed value is restored; a conflict is reported with
// signedmedia.ErrConflict in the chain. When updates of the same id overlap,
// only the newest one writes the local item.
func (l *List[T]) Update(ctx context.Context, id string, fn func(T) T) (T, error) {
	var zero T

	l.mu.Lock()
	idx := l.indexLocked(id)
	if idx < 0 {
		l.mu.Unlock()
		return zero, fmt.Errorf("updating %s: %w", id, signedmedia.ErrNotFound)
	}
	f := l.updates[id]
	if f == nil {
		f = &inflight[T]{base: l.items[idx]}
		l.updates[id] = f
	}
	f.version++
	f.active++
	version := f.version
	next := fn(l.items[idx])
	l.items[idx] = next
	l.mu.Unlock()
	l.notify()

	saved, err := l.remote.Update(ctx, next)

	l.mu.Lock()
	// Replace drops the tracking; the reloaded list wins.
	current := l.updates[id] == f
	newest := current && f.version == version
	if current {
		if err == nil {
			f.base = saved
		}
		if f.active--; f.active == 0 {
			delete(l.updates, id)
		}
	}
	if newest {
		if i := l.indexLocked(id); i >= 0 {
			if err != nil {
				l.items[i] = f.base
			} else {
				l.items[i] = saved
			}
		}
	}
	l.mu.Unlock()

	if err != nil {
		if newest {
			l.notify()
		}
		telemetry.RecordOptimistic(ctx, "update", "rolled_back")
		l.logger.Warn("update rejected", "id", id, "superseded", !newest, "error", err)
		return zero, fmt.Errorf("updating %s: %w", id, err)
	}
	if newest {
		l.notify()
	}
	telemetry.RecordOptimistic(ctx, "update", "committed")
	return saved, nil
}

// Delete removes the item locally and then remotely. On success the item can
// be restored with Undo until the window closes; a later delete discards the
// earlier undo. On rejection the item is put back where it was.
func (l *List[T]) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	idx := l.indexLocked(id)
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("deleting %s: %w", id, signedmedia.ErrNotFound)
	}
	item := l.items[idx]
	l.items = slices.Delete(l.items, idx, idx+1)
	l.clearUndoLocked()
	l.mu.Unlock()
	l.notify()

	if err := l.remote.Delete(ctx, item); err != nil {
		l.mu.Lock()
		l.insertLocked(idx, item)
		l.mu.Unlock()
		l.notify()
		telemetry.RecordOptimistic(ctx, "delete", "rolled_back")
		l.logger.Warn("delete rejected, restored item", "id", id, "error", err)
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	l.mu.Lock()
	u := &pendingUndo[T]{item: item, index: idx, deadline: l.now().Add(l.window)}
	u.timer = time.AfterFunc(l.window, func() { l.expire(u) })
	l.undo = u
	l.mu.Unlock()
	l.notify()

	telemetry.RecordOptimistic(ctx, "delete", "committed")
	return nil
}

// UndoAvailable returns the item the live undo would restore and its
// deadline.
func (l *List[T]) UndoAvailable() (T, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if l.undo == nil || !l.now().Before(l.undo.deadline) {
		return zero, time.Time{}, false
	}
	return l.undo.item, l.undo.deadline, true
}

// Undo restores the most recently deleted item through the remote and puts
// it back at its original position. Outside the window it returns
// signedmedia.ErrUndoExpired. If the restore is rejected the list stays as
// it was after the delete.
func (l *List[T]) Undo(ctx context.Context) (T, error) {
	var zero T

	l.mu.Lock()
	u := l.undo
	if u == nil || !l.now().Before(u.deadline) {
		l.clearUndoLocked()
		l.mu.Unlock()
		return zero, signedmedia.ErrUndoExpired
	}
	l.clearUndoLocked()
	l.mu.Unlock()
	l.notify()

	restored, err := l.remote.Restore(ctx, u.item)
	if err != nil {
		telemetry.RecordOptimistic(ctx, "undo", "rolled_back")
		l.logger.Warn("restore rejected", "id", l.id(u.item), "error", err)
		return zero, fmt.Errorf("restoring %s: %w", l.id(u.item), err)
	}

	l.mu.Lock()
	l.insertLocked(u.index, restored)
	l.mu.Unlock()
	l.notify()

	telemetry.RecordOptimistic(ctx, "undo", "undone")
	return restored, nil
}

func (l *List[T]) expire(u *pendingUndo[T]) {
	l.mu.Lock()
	if l.undo != u {
		l.mu.Unlock()
		return
	}
	l.undo = nil
	l.mu.Unlock()
	l.notify()
}

func (l *List[T]) clearUndoLocked() {
	if l.undo == nil {
		return
	}
	l.undo.timer.Stop()
	l.undo = nil
}

func (l *List[T]) indexLocked(id string) int {
	return slices.IndexFunc(l.items, func(it T) bool { return l.id(it) == id })
}

// insertLocked puts item at idx, clamped to the list, unless an item with
// the same id is already present.
func (l *List[T]) insertLocked(idx int, item T) {
	if l.indexLocked(l.id(item)) >= 0 {
		return
	}
	idx = min(max(idx, 0), len(l.items))
	l.items = slices.Insert(l.items, idx, item)
}

func (l *List[T]) notify() {
	l.mu.Lock()
	items := slices.Clone(l.items)
	subs := make([]func([]T), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(items)
	}
}
