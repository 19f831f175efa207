// Package staged stages the replacement of a committed media reference:
// a picked file is previewed locally, uploaded, held as pending and only
// written to the owning record on an explicit commit.
package staged

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/cache"
	"github.com/wolfeidau/signed-media/telemetry"
	"github.com/wolfeidau/signed-media/upstream"
)

// ErrWrongPhase is returned when an operation does not apply to the current
// phase.
var ErrWrongPhase = errors.New("operation not valid in current phase")

// Phase is the stage of a replacement.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDrafted   Phase = "drafted"
	PhaseUploading Phase = "uploading"
	PhasePending   Phase = "pending"
	PhaseCommitted Phase = "committed"
	PhaseReverted  Phase = "reverted"
)

// state is one of idle, drafted, uploading, pending, committed or reverted.
type state interface {
	phase() Phase
}

type idle struct{}

type drafted struct {
	file    File
	preview *blob.Handle
}

type uploading struct {
	file     File
	preview  *blob.Handle
	progress int
	cancel   context.CancelFunc
}

// pending holds its own reference on preview; the cache holds another under
// key.
type pending struct {
	key     signedmedia.Reference
	preview *blob.Handle
}

type committed struct {
	key signedmedia.Reference
}

type reverted struct{}

func (idle) phase() Phase       { return PhaseIdle }
func (*drafted) phase() Phase   { return PhaseDrafted }
func (*uploading) phase() Phase { return PhaseUploading }
func (*pending) phase() Phase   { return PhasePending }
func (committed) phase() Phase  { return PhaseCommitted }
func (reverted) phase() Phase   { return PhaseReverted }

// Snapshot is the observable state of a Mutation.
type Snapshot struct {
	Phase Phase
	// Progress is the upload percentage while uploading.
	Progress   int
	PreviewURI string
	FileName   string
	// ResultingKey is set once an upload has been acknowledged.
	ResultingKey signedmedia.Reference
	// Committed is the reference currently persisted in the record.
	Committed signedmedia.Reference
	// Err is the error from the last failed operation, cleared by the next
	// transition.
	Err error
}

// Config configures a Mutation.
type Config struct {
	// RecordID and FieldPath name where Commit persists the key.
	RecordID  string
	FieldPath string
	// Hint is passed to the upload target requester, e.g. "avatar".
	Hint   string
	Policy Policy

	Cache     *cache.Cache
	Objects   blob.Objects
	Targets   upstream.UploadTargetRequester
	Uploader  upstream.Uploader
	Persister upstream.RecordPersister

	// Committed is the reference persisted before editing started.
	Committed signedmedia.Reference
	Logger    *slog.Logger
}

// Mutation is the staged replacement of one reference. It is safe for
// concurrent use.
type Mutation struct {
	cfg    Config
	kind   string
	logger *slog.Logger

	commitMu sync.Mutex

	mu        sync.Mutex
	state     state
	committed signedmedia.Reference
	key       signedmedia.Reference
	err       error
	seq       uint64
	subs      map[int]func(Snapshot)
	nextSub   int

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates a Mutation in the idle phase.
func New(cfg Config) *Mutation {
	return newMutation(cfg, "single")
}

func newMutation(cfg Config, kind string) *Mutation {
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mutation{
		cfg:       cfg,
		kind:      kind,
		logger:    cfg.Logger,
		state:     idle{},
		committed: cfg.Committed.Trim(),
		subs:      make(map[int]func(Snapshot)),
	}
}

// Pick validates f and stages it as a draft with a local preview. A
// validation failure leaves the mutation untouched and makes no network
// call. Any previously staged change is discarded; picking after a commit or
// revert starts a new session.
func (m *Mutation) Pick(ctx context.Context, f File) error {
	if err := m.cfg.Policy.Validate(f); err != nil {
		m.logger.Debug("pick rejected", "file", f.Name, "error", err)
		return err
	}
	f.ContentType = normalizeContentType(f.ContentType)

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	preview, err := blob.Materialize(ctx, m.cfg.Objects, blob.Source{
		Reader:      rc,
		ContentType: f.ContentType,
		Name:        f.Name,
	}, m.logger)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("creating preview for %s: %w", f.Name, err)
	}
	if size := preview.Object().Size; size > m.cfg.Policy.MaxBytes {
		preview.Release()
		return &signedmedia.ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", size, m.cfg.Policy.MaxBytes),
		}
	}

	m.mu.Lock()
	prev := m.state
	retire := m.retireLocked(ctx)
	m.state = &drafted{file: f, preview: preview}
	m.key = ""
	m.err = nil
	snap, seq := m.publishLocked()
	m.mu.Unlock()

	retire()
	telemetry.RecordStagedTransition(ctx, m.kind, string(prev.phase()), string(PhaseDrafted))
	m.logger.Debug("picked file", "file", f.Name, "size", f.Size, "preview", preview.URI())
	m.notify(snap, seq)
	return nil
}

// CancelDraft discards a draft or an upload in progress and returns to idle.
// In any other phase it does nothing.
func (m *Mutation) CancelDraft() {
	m.mu.Lock()
	switch m.state.(type) {
	case *drafted, *uploading:
	default:
		m.mu.Unlock()
		return
	}
	prev := m.state
	retire := m.retireLocked(context.Background())
	m.state = idle{}
	m.err = nil
	snap, seq := m.publishLocked()
	m.mu.Unlock()

	retire()
	telemetry.RecordStagedTransition(context.Background(), m.kind, string(prev.phase()), string(PhaseIdle))
	m.notify(snap, seq)
}

// ConfirmUpload requests an upload target and uploads the draft. On success
// the mutation is pending and the cache already serves the new key from the
// preview. If the target request fails the draft is kept; if the upload
// fails the mutation returns to drafted and may be retried. A cancelled or
// superseded upload returns an error wrapping signedmedia.ErrAborted.
func (m *Mutation) ConfirmUpload(ctx context.Context) error {
	m.mu.Lock()
	d, ok := m.state.(*drafted)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("confirm upload: %w", ErrWrongPhase)
	}

	target, err := m.cfg.Targets.RequestUploadTarget(ctx, d.file.ContentType, m.cfg.Hint)
	if err == nil && target.Key == "" {
		err = signedmedia.ErrNoURLReturned
	}
	if err != nil {
		if !errors.Is(err, signedmedia.ErrUpstreamExchange) && !errors.Is(err, signedmedia.ErrValidation) {
			err = fmt.Errorf("%w: %w", signedmedia.ErrUpstreamExchange, err)
		}
		m.fail(d, fmt.Errorf("requesting upload target: %w", err))
		return fmt.Errorf("requesting upload target: %w", err)
	}

	uctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.state != state(d) {
		m.mu.Unlock()
		return fmt.Errorf("confirm upload: %w", signedmedia.ErrAborted)
	}
	u := &uploading{file: d.file, preview: d.preview, cancel: cancel}
	m.state = u
	m.err = nil
	snap, seq := m.publishLocked()
	m.mu.Unlock()
	telemetry.RecordStagedTransition(ctx, m.kind, string(PhaseDrafted), string(PhaseUploading))
	m.notify(snap, seq)

	err = m.upload(uctx, u, target)

	m.mu.Lock()
	if m.state != state(u) {
		m.mu.Unlock()
		telemetry.RecordUpload(ctx, "aborted", 0)
		return fmt.Errorf("upload %s: %w", d.file.Name, signedmedia.ErrAborted)
	}
	if err != nil && ctx.Err() != nil {
		m.state = &drafted{file: u.file, preview: u.preview}
		snap, seq := m.publishLocked()
		m.mu.Unlock()

		telemetry.RecordUpload(ctx, "aborted", 0)
		telemetry.RecordStagedTransition(ctx, m.kind, string(PhaseUploading), string(PhaseDrafted))
		m.notify(snap, seq)
		return fmt.Errorf("upload %s: %w: %w", d.file.Name, signedmedia.ErrAborted, ctx.Err())
	}
	if err != nil {
		if !errors.Is(err, signedmedia.ErrUploadFailed) {
			err = fmt.Errorf("%w: %w", signedmedia.ErrUploadFailed, err)
		}
		m.state = &drafted{file: u.file, preview: u.preview}
		m.err = err
		snap, seq := m.publishLocked()
		m.mu.Unlock()

		telemetry.RecordUpload(ctx, "error", 0)
		telemetry.RecordStagedTransition(ctx, m.kind, string(PhaseUploading), string(PhaseDrafted))
		m.logger.Warn("upload failed", "file", u.file.Name, "key", target.Key, "error", err)
		m.notify(snap, seq)
		return err
	}

	key := signedmedia.Reference(target.Key)
	// The draft's reference moves to the cache; the pending state takes its
	// own so the preview stays valid until commit or revert.
	u.preview.Acquire()
	m.cfg.Cache.PutBlob(ctx, key, u.preview)
	m.state = &pending{key: key, preview: u.preview}
	m.key = key
	m.err = nil
	snap, seq = m.publishLocked()
	m.mu.Unlock()

	telemetry.RecordUpload(ctx, "success", u.file.Size)
	telemetry.RecordStagedTransition(ctx, m.kind, string(PhaseUploading), string(PhasePending))
	m.logger.Info("upload staged", "file", u.file.Name, "key", key)
	m.notify(snap, seq)
	return nil
}

func (m *Mutation) upload(ctx context.Context, u *uploading, target upstream.UploadTarget) error {
	rc, err := u.file.Open()
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", signedmedia.ErrUploadFailed, u.file.Name, err)
	}
	defer func() { _ = rc.Close() }()

	return m.cfg.Uploader.Upload(ctx, target, rc, u.file.Size, u.file.ContentType, func(pct int) {
		m.mu.Lock()
		if m.state != state(u) || pct <= u.progress {
			m.mu.Unlock()
			return
		}
		u.progress = min(pct, 100)
		snap, seq := m.publishLocked()
		m.mu.Unlock()
		m.notify(snap, seq)
	})
}

// RevertPending discards an uploaded but uncommitted change. The cache
// entry for the uploaded key is dropped; the remote object is left in
// place. In any other phase it does nothing.
func (m *Mutation) RevertPending(ctx context.Context) {
	m.mu.Lock()
	if _, ok := m.state.(*pending); !ok {
		m.mu.Unlock()
		return
	}
	retire := m.retireLocked(ctx)
	m.state = reverted{}
	m.key = ""
	m.err = nil
	snap, seq := m.publishLocked()
	m.mu.Unlock()

	retire()
	telemetry.RecordStagedTransition(ctx, m.kind, string(PhasePending), string(PhaseReverted))
	m.notify(snap, seq)
}

// Commit persists the pending key into the record. Outside the pending phase
// it does nothing and returns nil. If persisting fails the mutation stays
// pending and the committed reference is unchanged.
func (m *Mutation) Commit(ctx context.Context) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	p, ok := m.state.(*pending)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := m.cfg.Persister.PersistRecordField(ctx, m.cfg.RecordID, m.cfg.FieldPath, p.key.String()); err != nil {
		err = fmt.Errorf("%w: %s %s: %w", signedmedia.ErrPersistFailed, m.cfg.RecordID, m.cfg.FieldPath, err)
		m.mu.Lock()
		if m.state == state(p) {
			m.err = err
			snap, seq := m.publishLocked()
			m.mu.Unlock()
			m.notify(snap, seq)
		} else {
			m.mu.Unlock()
		}
		m.logger.Warn("commit failed", "key", p.key, "error", err)
		return err
	}

	m.markCommitted(ctx, p)
	return nil
}

// markCommitted moves p to committed once its key has been persisted.
func (m *Mutation) markCommitted(ctx context.Context, p *pending) {
	m.mu.Lock()
	previous := m.committed
	m.committed = p.key
	if m.state != state(p) {
		// Superseded while persisting; the record holds p.key regardless.
		snap, seq := m.publishLocked()
		m.mu.Unlock()
		m.notify(snap, seq)
		return
	}
	m.state = committed{key: p.key}
	m.err = nil
	snap, seq := m.publishLocked()
	m.mu.Unlock()

	// The cache keeps serving the key; only the pending hold is dropped.
	p.preview.Release()
	telemetry.RecordStagedTransition(ctx, m.kind, string(PhasePending), string(PhaseCommitted))
	m.logger.Info("committed", "record", m.cfg.RecordID, "field", m.cfg.FieldPath, "key", p.key, "previous", previous)
	m.notify(snap, seq)
}

// Phase returns the current phase.
func (m *Mutation) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.phase()
}

// Progress returns the upload percentage, or 0 when not uploading.
func (m *Mutation) Progress() int {
	return m.Snapshot().Progress
}

// PreviewURI returns the local preview while drafted, uploading or pending.
func (m *Mutation) PreviewURI() string {
	return m.Snapshot().PreviewURI
}

// ResultingKey returns the key of the acknowledged upload.
func (m *Mutation) ResultingKey() signedmedia.Reference {
	return m.Snapshot().ResultingKey
}

// Committed returns the reference persisted in the record.
func (m *Mutation) Committed() signedmedia.Reference {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Snapshot returns the observable state.
func (m *Mutation) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to receive every published snapshot.
func (m *Mutation) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close discards whatever is staged without persisting it.
func (m *Mutation) Close() {
	m.mu.Lock()
	retire := m.retireLocked(context.Background())
	if _, ok := m.state.(committed); !ok {
		m.state = idle{}
	}
	m.subs = map[int]func(Snapshot){}
	m.mu.Unlock()
	retire()
}

func (m *Mutation) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:        m.state.phase(),
		ResultingKey: m.key,
		Committed:    m.committed,
		Err:          m.err,
	}
	switch st := m.state.(type) {
	case *drafted:
		s.PreviewURI = st.preview.URI()
		s.FileName = st.file.Name
	case *uploading:
		s.PreviewURI = st.preview.URI()
		s.FileName = st.file.Name
		s.Progress = st.progress
	case *pending:
		s.PreviewURI = st.preview.URI()
	}
	return s
}

// retireLocked detaches the current staged change and returns the cleanup
// to run once the lock is released.
func (m *Mutation) retireLocked(ctx context.Context) func() {
	switch st := m.state.(type) {
	case *drafted:
		return st.preview.Release
	case *uploading:
		st.cancel()
		return st.preview.Release
	case *pending:
		return func() {
			m.cfg.Cache.ReleaseBlob(ctx, st.key)
			st.preview.Release()
		}
	}
	return func() {}
}

func (m *Mutation) fail(d *drafted, err error) {
	m.mu.Lock()
	if m.state != state(d) {
		m.mu.Unlock()
		return
	}
	m.err = err
	snap, seq := m.publishLocked()
	m.mu.Unlock()
	m.notify(snap, seq)
}

func (m *Mutation) publishLocked() (Snapshot, uint64) {
	m.seq++
	return m.snapshotLocked(), m.seq
}

func (m *Mutation) notify(snap Snapshot, seq uint64) {
	m.mu.Lock()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.delivered {
		return
	}
	m.delivered = seq
	for _, fn := range subs {
		fn(snap)
	}
}
