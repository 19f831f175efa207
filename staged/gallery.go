package staged

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/telemetry"
)

// Item is one entry of a gallery in display order.
type Item struct {
	ID string
	// Key is the persisted reference, or the uploaded key once pending.
	Key signedmedia.Reference
	// Persisted is set for items already stored in the record.
	Persisted  bool
	Phase      Phase
	Progress   int
	PreviewURI string
	Err        error
}

type galleryEntry struct {
	id        string
	persisted signedmedia.Reference
	m         *Mutation
}

// Gallery is an ordered list of persisted references plus independent
// staged additions. Commit writes the whole list in one call.
type Gallery struct {
	cfg    Config
	logger *slog.Logger

	commitMu sync.Mutex

	mu      sync.Mutex
	entries []*galleryEntry
}

// NewGallery creates a gallery over the references currently persisted in
// cfg.RecordID at cfg.FieldPath. cfg.Committed is ignored.
func NewGallery(cfg Config, persisted []signedmedia.Reference) *Gallery {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Committed = ""
	g := &Gallery{cfg: cfg, logger: cfg.Logger}
	for _, ref := range persisted {
		if ref = ref.Trim(); ref.IsZero() {
			continue
		}
		g.entries = append(g.entries, &galleryEntry{id: uuid.NewString(), persisted: ref})
	}
	return g
}

// Add picks f as a new item at the end of the gallery and returns its id.
// A rejected file adds nothing.
func (g *Gallery) Add(ctx context.Context, f File) (string, error) {
	m := newMutation(g.cfg, "gallery")
	if err := m.Pick(ctx, f); err != nil {
		return "", err
	}
	e := &galleryEntry{id: uuid.NewString(), m: m}

	g.mu.Lock()
	g.entries = append(g.entries, e)
	g.mu.Unlock()
	return e.id, nil
}

// Upload uploads a drafted item. A failure affects only that item.
func (g *Gallery) Upload(ctx context.Context, id string) error {
	e, err := g.entry(id)
	if err != nil {
		return err
	}
	if e.m == nil {
		return fmt.Errorf("upload %s: %w", id, ErrWrongPhase)
	}
	return e.m.ConfirmUpload(ctx)
}

// Mutation returns the staged mutation behind a new item.
func (g *Gallery) Mutation(id string) (*Mutation, bool) {
	e, err := g.entry(id)
	if err != nil || e.m == nil {
		return nil, false
	}
	return e.m, true
}

// Cancel drops a new item, discarding its draft, upload or pending upload.
// Persisted items are removed with Remove.
func (g *Gallery) Cancel(ctx context.Context, id string) error {
	e, err := g.entry(id)
	if err != nil {
		return err
	}
	if e.m == nil {
		return fmt.Errorf("cancel %s: %w", id, ErrWrongPhase)
	}
	return g.Remove(ctx, id)
}

// Remove drops an item from the gallery. Persisted items disappear from the
// record on the next Commit.
func (g *Gallery) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	idx := g.indexLocked(id)
	if idx < 0 {
		g.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, signedmedia.ErrNotFound)
	}
	e := g.entries[idx]
	g.entries = slices.Delete(g.entries, idx, idx+1)
	g.mu.Unlock()

	if e.m != nil {
		e.m.CancelDraft()
		e.m.RevertPending(ctx)
		e.m.Close()
	}
	return nil
}

// Move places an item at index, clamped to the gallery.
func (g *Gallery) Move(id string, index int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("move %s: %w", id, signedmedia.ErrNotFound)
	}
	e := g.entries[idx]
	g.entries = slices.Delete(g.entries, idx, idx+1)
	index = min(max(index, 0), len(g.entries))
	g.entries = slices.Insert(g.entries, index, e)
	return nil
}

// Items returns the gallery in display order.
func (g *Gallery) Items() []Item {
	g.mu.Lock()
	entries := slices.Clone(g.entries)
	g.mu.Unlock()

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if e.m == nil {
			items = append(items, Item{ID: e.id, Key: e.persisted, Persisted: true, Phase: PhaseCommitted})
			continue
		}
		s := e.m.Snapshot()
		items = append(items, Item{
			ID:         e.id,
			Key:        s.ResultingKey,
			Phase:      s.Phase,
			Progress:   s.Progress,
			PreviewURI: s.PreviewURI,
			Err:        s.Err,
		})
	}
	return items
}

// Keys returns the references Commit would persist, in display order.
func (g *Gallery) Keys() []signedmedia.Reference {
	keys, _, _ := g.reconcile()
	return keys
}

// Commit persists the reconciled list of kept persisted references and
// pending uploads in one call. It refuses with
// signedmedia.ErrUploadsInFlight while any item is drafted or uploading, and
// on a persist failure nothing changes.
func (g *Gallery) Commit(ctx context.Context) error {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	keys, staged, err := g.reconcile()
	if err != nil {
		return err
	}

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = k.String()
	}
	if _, err := g.cfg.Persister.PersistRecordField(ctx, g.cfg.RecordID, g.cfg.FieldPath, values); err != nil {
		g.logger.Warn("gallery commit failed", "record", g.cfg.RecordID, "items", len(keys), "error", err)
		return fmt.Errorf("%w: %s %s: %w", signedmedia.ErrPersistFailed, g.cfg.RecordID, g.cfg.FieldPath, err)
	}

	for _, s := range staged {
		s.entry.m.markCommitted(ctx, s.pending)
	}

	g.mu.Lock()
	for _, s := range staged {
		if i := g.indexLocked(s.entry.id); i >= 0 {
			g.entries[i] = &galleryEntry{id: s.entry.id, persisted: s.pending.key}
		}
	}
	g.mu.Unlock()

	telemetry.RecordStagedTransition(ctx, "gallery", string(PhasePending), string(PhaseCommitted))
	g.logger.Info("gallery committed", "record", g.cfg.RecordID, "field", g.cfg.FieldPath, "items", len(keys), "added", len(staged))
	return nil
}

// Close discards every uncommitted addition.
func (g *Gallery) Close() {
	g.mu.Lock()
	entries := g.entries
	g.entries = nil
	g.mu.Unlock()
	for _, e := range entries {
		if e.m != nil {
			e.m.Close()
		}
	}
}

type stagedItem struct {
	entry   *galleryEntry
	pending *pending
}

func (g *Gallery) reconcile() ([]signedmedia.Reference, []stagedItem, error) {
	g.mu.Lock()
	entries := slices.Clone(g.entries)
	g.mu.Unlock()

	keys := make([]signedmedia.Reference, 0, len(entries))
	var added []stagedItem
	for _, e := range entries {
		if e.m == nil {
			keys = append(keys, e.persisted)
			continue
		}
		e.m.mu.Lock()
		st := e.m.state
		e.m.mu.Unlock()

		switch st := st.(type) {
		case *drafted, *uploading:
			return nil, nil, fmt.Errorf("commit: item %s is %s: %w", e.id, st.phase(), signedmedia.ErrUploadsInFlight)
		case *pending:
			keys = append(keys, st.key)
			added = append(added, stagedItem{entry: e, pending: st})
		}
	}
	return keys, added, nil
}

func (g *Gallery) entry(id string) (*galleryEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.indexLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("item %s: %w", id, signedmedia.ErrNotFound)
	}
	return g.entries[idx], nil
}

func (g *Gallery) indexLocked(id string) int {
	return slices.IndexFunc(g.entries, func(e *galleryEntry) bool { return e.id == id })
}
