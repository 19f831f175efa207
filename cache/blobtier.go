package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/telemetry"
)

const (
	queueSmall = "small"
	queueMain  = "main"

	maxFreq    = 3
	ghostFloor = 128 // minimum ghost entries when auto-sizing
)

type blobEntry struct {
	ref    string
	handle *blob.Handle
	size   int64
	freq   int
	queue  string
	elem   *list.Element
}

// blobTier is an in-memory S3-FIFO over local object handles. Queue fronts
// are heads (newest), backs are tails (oldest).
//
// Eviction runs inline under mu; handles that leave the tier are released
// after mu is dropped because releasing the last reference revokes the
// object through the store.
type blobTier struct {
	maxEntries   int
	maxBytes     int64
	smallPercent int
	logger       *slog.Logger

	mu         sync.Mutex
	entries    map[string]*blobEntry
	small      *list.List
	main       *list.List
	ghost      *list.List
	ghostIdx   map[string]*list.Element
	smallBytes int64
	mainBytes  int64

	// fresh is the entry admitted by the current put. It survives that
	// put's eviction pass so its publisher can hand it out.
	fresh *blobEntry
}

func newBlobTier(maxEntries int, maxBytes int64, smallPercent int, logger *slog.Logger) *blobTier {
	return &blobTier{
		maxEntries:   maxEntries,
		maxBytes:     maxBytes,
		smallPercent: smallPercent,
		logger:       logger,
		entries:      make(map[string]*blobEntry),
		small:        list.New(),
		main:         list.New(),
		ghost:        list.New(),
		ghostIdx:     make(map[string]*list.Element),
	}
}

func (t *blobTier) get(ctx context.Context, ref string, acquire bool) (*blob.Handle, bool) {
	t.mu.Lock()
	e, ok := t.entries[ref]
	if !ok {
		t.mu.Unlock()
		telemetry.RecordCacheLookup(ctx, tierBlob, telemetry.CacheMiss)
		return nil, false
	}
	if e.handle.Revoked() || (acquire && !e.handle.Acquire()) {
		// Someone released the cache's reference behind its back.
		t.unlink(e)
		t.mu.Unlock()
		t.logger.Warn("dropping revoked cache entry", "ref", ref, "uri", e.handle.URI())
		telemetry.RecordCacheLookup(ctx, tierBlob, telemetry.CacheStale)
		return nil, false
	}
	if e.freq < maxFreq {
		e.freq++
	}
	t.mu.Unlock()

	telemetry.RecordCacheLookup(ctx, tierBlob, telemetry.CacheHit)
	return e.handle, true
}

func (t *blobTier) put(ctx context.Context, ref string, h *blob.Handle) {
	var victims []*blob.Handle

	t.mu.Lock()
	e, ok := t.entries[ref]
	if ok {
		// The caller handed over a reference either way; keep exactly one.
		victims = append(victims, e.handle)
		if e.handle != h {
			t.resize(e, h.Object().Size)
			e.handle = h
		}
	} else {
		e = &blobEntry{ref: ref, handle: h, size: h.Object().Size}
		if g, inGhost := t.ghostIdx[ref]; inGhost {
			t.ghost.Remove(g)
			delete(t.ghostIdx, ref)
			e.queue = queueMain
			e.elem = t.main.PushFront(e)
			t.mainBytes += e.size
			telemetry.RecordS3FIFOAdmission(ctx, queueMain, "ghost_hit")
		} else {
			e.queue = queueSmall
			e.elem = t.small.PushFront(e)
			t.smallBytes += e.size
			telemetry.RecordS3FIFOAdmission(ctx, queueSmall, "new")
		}
		t.entries[ref] = e
	}
	t.fresh = e
	victims = append(victims, t.evictLocked(ctx)...)
	t.fresh = nil
	t.updateGauges(ctx)
	t.mu.Unlock()

	for _, v := range victims {
		v.Release()
	}
}

func (t *blobTier) remove(ctx context.Context, ref string) {
	t.mu.Lock()
	e, ok := t.entries[ref]
	if ok {
		t.unlink(e)
		t.updateGauges(ctx)
	}
	t.mu.Unlock()

	if ok {
		e.handle.Release()
	}
}

func (t *blobTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *blobTier) purge() int {
	t.mu.Lock()
	handles := make([]*blob.Handle, 0, len(t.entries))
	for _, e := range t.entries {
		handles = append(handles, e.handle)
	}
	t.entries = make(map[string]*blobEntry)
	t.small.Init()
	t.main.Init()
	t.ghost.Init()
	t.ghostIdx = make(map[string]*list.Element)
	t.smallBytes, t.mainBytes = 0, 0
	t.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	return len(handles)
}

func (t *blobTier) overLimit() bool {
	return len(t.entries) > t.maxEntries || t.smallBytes+t.mainBytes > t.maxBytes
}

func (t *blobTier) smallOverTarget() bool {
	byBytes := t.smallBytes > t.maxBytes*int64(t.smallPercent)/100
	byCount := t.small.Len() > max(1, t.maxEntries*t.smallPercent/100)
	return byBytes || byCount
}

// evictLocked makes eviction decisions until the tier fits or every
// candidate is pinned. It returns the handles that left the tier.
func (t *blobTier) evictLocked(ctx context.Context) []*blob.Handle {
	var victims []*blob.Handle
	for t.overLimit() {
		var (
			v        *blob.Handle
			progress bool
		)
		if t.smallOverTarget() {
			v, progress = t.evictFromSmall(ctx)
		}
		if !progress {
			v, progress = t.evictFromMain(ctx)
		}
		if !progress {
			v, progress = t.evictFromSmall(ctx)
		}
		if !progress {
			t.logger.Warn("all cached objects in use, allowing temporary overrun",
				"entries", len(t.entries),
				"bytes", t.smallBytes+t.mainBytes,
			)
			break
		}
		if v != nil {
			victims = append(victims, v)
		}
	}
	return victims
}

// evictFromSmall walks the small queue from its tail. A pinned entry is
// requeued; an entry seen again while probationary is promoted to main; a
// one-hit entry is evicted and remembered in the ghost set.
func (t *blobTier) evictFromSmall(ctx context.Context) (*blob.Handle, bool) {
	for range t.small.Len() {
		e := t.small.Back().Value.(*blobEntry)
		if t.pinned(e) {
			t.small.MoveToFront(e.elem)
			telemetry.RecordS3FIFOPinnedSkip(ctx, queueSmall)
			continue
		}

		t.small.Remove(e.elem)
		t.smallBytes -= e.size

		if e.freq > 0 {
			e.freq = 0
			e.queue = queueMain
			e.elem = t.main.PushFront(e)
			t.mainBytes += e.size
			telemetry.RecordS3FIFOPromotion(ctx)
			return nil, true
		}

		delete(t.entries, e.ref)
		t.addGhost(e.ref)
		telemetry.RecordS3FIFOEviction(ctx, queueSmall, e.size)
		t.logger.Debug("evicted cached object", "ref", e.ref, "queue", queueSmall)
		return e.handle, true
	}
	return nil, false
}

// evictFromMain walks the main queue from its tail, giving entries with a
// nonzero frequency a second chance.
func (t *blobTier) evictFromMain(ctx context.Context) (*blob.Handle, bool) {
	skipped := 0
	for t.main.Len() > 0 && skipped < t.main.Len() {
		e := t.main.Back().Value.(*blobEntry)
		if t.pinned(e) {
			t.main.MoveToFront(e.elem)
			skipped++
			telemetry.RecordS3FIFOPinnedSkip(ctx, queueMain)
			continue
		}
		skipped = 0

		if e.freq > 0 {
			e.freq--
			t.main.MoveToFront(e.elem)
			telemetry.RecordS3FIFOSecondChance(ctx)
			continue
		}

		t.main.Remove(e.elem)
		t.mainBytes -= e.size
		delete(t.entries, e.ref)
		telemetry.RecordS3FIFOEviction(ctx, queueMain, e.size)
		t.logger.Debug("evicted cached object", "ref", e.ref, "queue", queueMain)
		return e.handle, true
	}
	return nil, false
}

// pinned reports whether anyone besides the cache holds the handle.
func (t *blobTier) pinned(e *blobEntry) bool {
	return e == t.fresh || e.handle.Refs() > 1
}

func (t *blobTier) addGhost(ref string) {
	if _, ok := t.ghostIdx[ref]; ok {
		return
	}
	t.ghostIdx[ref] = t.ghost.PushFront(ref)

	limit := max(t.main.Len(), ghostFloor)
	for t.ghost.Len() > limit {
		oldest := t.ghost.Back()
		delete(t.ghostIdx, oldest.Value.(string))
		t.ghost.Remove(oldest)
	}
}

// unlink removes e from its queue and the index without releasing it.
func (t *blobTier) unlink(e *blobEntry) {
	switch e.queue {
	case queueSmall:
		t.small.Remove(e.elem)
		t.smallBytes -= e.size
	case queueMain:
		t.main.Remove(e.elem)
		t.mainBytes -= e.size
	}
	delete(t.entries, e.ref)
}

func (t *blobTier) resize(e *blobEntry, size int64) {
	delta := size - e.size
	e.size = size
	if e.queue == queueSmall {
		t.smallBytes += delta
	} else {
		t.mainBytes += delta
	}
}

func (t *blobTier) updateGauges(ctx context.Context) {
	telemetry.UpdateS3FIFOQueueState(ctx,
		t.smallBytes, t.mainBytes,
		t.small.Len(), t.main.Len(), t.ghost.Len(),
	)
}
