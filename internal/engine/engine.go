// Package engine is the process-wide context object owning the authoritative
// collection, the tombstone set, and every poll job. Init hydrates
// tombstones before any reconciliation runs; Teardown cancels all jobs.
// No other component writes to the shared state directly.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"dispatchd/internal/canonical"
	"dispatchd/internal/confirm"
	"dispatchd/internal/events"
	"dispatchd/internal/identity"
	"dispatchd/internal/polljob"
	"dispatchd/internal/reconcile"
	"dispatchd/internal/record"
	"dispatchd/internal/tombstone"
)

// Feed is the batch refresh source.
type Feed interface {
	FetchBatch(ctx context.Context) ([]canonical.Raw, error)
}

// Confirmer is the external confirmation sink.
type Confirmer interface {
	Confirm(ctx context.Context, rec record.IncidentRecord, ov confirm.Overrides) (canonical.Raw, error)
}

// Config holds the engine's timing knobs.
type Config struct {
	RefreshInterval time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int
}

type Engine struct {
	cfg       Config
	log       *zap.Logger
	bus       *events.Bus
	tombs     *tombstone.Set
	col       *reconcile.Collection
	ctrl      *polljob.Controller
	feed      Feed
	confirmer Confirmer
	now       func() time.Time
}

func New(feed Feed, statusSrc polljob.StatusSource, confirmer Confirmer, tombs *tombstone.Set, cfg Config, clock polljob.Clock, bus *events.Bus, log *zap.Logger) *Engine {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		tombs:     tombs,
		feed:      feed,
		confirmer: confirmer,
		now:       time.Now,
	}
	e.col = reconcile.NewCollection(tombs, func(n int) {
		bus.Publish(events.Event{Type: events.TypeCollectionUpdated, Count: n})
	})
	e.ctrl = polljob.NewController(statusSrc, e, tombs, clock, cfg.PollInterval, cfg.PollMaxAttempts, log)
	return e
}

// Init hydrates the tombstone set and installs the external-change watcher.
// Must complete before any reconciliation: reconciling first would risk
// resurrecting deleted content.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.tombs.Hydrate(ctx); err != nil {
		return err
	}
	return e.tombs.Watch(ctx, func() {
		e.col.Purge()
		e.bus.Publish(events.Event{Type: events.TypeTombstonesChanged})
	})
}

// Run drives the periodic batch refresh until ctx is cancelled. The refresh
// is independent of individual poll jobs; dismissing one record never stops
// it.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshBatch(ctx); err != nil {
				e.log.Warn("batch refresh failed", zap.Error(err))
			}
		}
	}
}

// Teardown cancels every poll job and releases the tombstone backend.
func (e *Engine) Teardown() {
	e.ctrl.CancelAll()
	if err := e.tombs.Close(); err != nil {
		e.log.Warn("tombstone close failed", zap.Error(err))
	}
}

// RefreshBatch pulls the transcript feed once and reconciles it in. Empty
// payloads are a no-op.
func (e *Engine) RefreshBatch(ctx context.Context) error {
	raws, err := e.feed.FetchBatch(ctx)
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return nil
	}
	batch := make([]record.IncidentRecord, 0, len(raws))
	for _, raw := range raws {
		cn := canonical.Canonicalize(raw)
		rec, ok := reconcile.FromCanonical(cn, record.StatusNeedsConfirmation, e.now())
		if !ok {
			continue
		}
		batch = append(batch, rec)
	}
	e.col.Apply(batch)
	return nil
}

// AcceptUpload registers a freshly accepted upload: a processing placeholder
// keyed by a new job id enters the collection and a poll job starts tracking
// the backend pipeline.
func (e *Engine) AcceptUpload(ctx context.Context, filename string) (string, record.IncidentRecord) {
	jobID := "job-" + uuid.NewString()
	placeholder := record.IncidentRecord{
		ID:        jobID,
		CreatedAt: e.now().UTC().Truncate(time.Second),
		Notes:     strings.TrimSpace(filename),
		Status:    record.StatusProcessing,
	}
	e.col.Insert(placeholder)
	e.ctrl.Start(ctx, jobID)
	return jobID, placeholder
}

// ManualEntry describes an operator-entered incident.
type ManualEntry struct {
	Address       string
	Lat           *float64
	Lng           *float64
	EmergencyType string
	EmergencyTags []string
	Notes         string
	CallerPhone   string
}

// AddManual synthesizes a record from operator input. The id lives in its
// own namespace so it can never collide with content-derived ids.
func (e *Engine) AddManual(entry ManualEntry) record.IncidentRecord {
	rec := record.IncidentRecord{
		ID:            "manual-" + uuid.NewString(),
		CreatedAt:     e.now().UTC().Truncate(time.Second),
		EmergencyType: strings.ToLower(strings.TrimSpace(entry.EmergencyType)),
		EmergencyTags: entry.EmergencyTags,
		Notes:         entry.Notes,
		CallerPhone:   entry.CallerPhone,
		Status:        record.StatusNeedsConfirmation,
	}
	if rec.EmergencyType == "" {
		rec.EmergencyType = "manual"
	}
	if entry.Address != "" || (entry.Lat != nil && entry.Lng != nil) {
		rec.Location = &record.Location{Lat: entry.Lat, Lng: entry.Lng, Address: entry.Address}
	}
	e.col.Insert(rec)
	return rec
}

// Dismiss tombstones a record and removes it. Order matters: the tombstone
// persists first, then the poll job's timer is cleared, then the record is
// dropped. Any tick suspended on the network during this finds the tombstone
// when it resumes.
func (e *Engine) Dismiss(ctx context.Context, id string) error {
	rec, ok := e.col.Get(id)
	if !ok {
		return ErrNotFound
	}
	fp := identity.OfRecord(rec)
	if identity.Empty(fp) {
		fp = ""
	}
	if err := e.tombs.Dismiss(ctx, id, fp); err != nil {
		return err
	}
	e.ctrl.Cancel(id)
	e.col.Purge()
	e.bus.Publish(events.Event{Type: events.TypeTombstonesChanged, ID: id})
	e.log.Info("incident dismissed", zap.String("id", id))
	return nil
}

// Confirm sends a record with operator overrides to the confirmation sink
// and reconciles the authoritative response back in. The response identity
// may differ from the pre-confirmation id; the old identity is removed in
// the same reconciliation pass.
func (e *Engine) Confirm(ctx context.Context, id string, ov confirm.Overrides) (*record.IncidentRecord, error) {
	rec, ok := e.col.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	loc := ov.Location
	if loc == nil {
		loc = rec.Location
	}
	if !loc.HasCoords() {
		return nil, ErrInvalidLocation
	}

	raw, err := e.confirmer.Confirm(ctx, rec, ov)
	if err != nil {
		return nil, eris.Wrap(err, "confirmation failed")
	}

	cn := canonical.Canonicalize(raw)
	cn.ID = "" // identity is content-derived, not echoed
	confirmed, ok := reconcile.FromCanonical(cn, record.StatusDone, e.now())
	if !ok {
		return nil, eris.New("confirmation returned no usable record")
	}
	confirmed.Status = record.StatusDone

	// Re-validate after the await: a dismissal may have raced the call.
	if e.tombs.IsDismissed(id) || e.tombs.IsDismissedFingerprint(identity.OfRecord(confirmed)) {
		return nil, ErrDismissed
	}

	updated := e.col.Swap(id, []record.IncidentRecord{confirmed})
	for i := range updated {
		if updated[i].ID == confirmed.ID {
			out := updated[i]
			e.log.Info("incident confirmed", zap.String("id", id), zap.String("confirmed_id", out.ID))
			return &out, nil
		}
	}
	return nil, ErrDismissed
}

// ResolveJob implements polljob.Sink: the placeholder keyed by jobID and the
// resolved record swap atomically within one reconciliation call, so no view
// ever shows both. A status-only tick still addressed to the placeholder is
// an in-place update, not a replacement; removing the key first would orphan
// the status.
func (e *Engine) ResolveJob(ctx context.Context, jobID string, rec record.IncidentRecord) record.Status {
	var updated []record.IncidentRecord
	if rec.ID == jobID {
		updated = e.col.Apply([]record.IncidentRecord{rec})
	} else {
		updated = e.col.Swap(jobID, []record.IncidentRecord{rec})
	}
	for i := range updated {
		if updated[i].ID == rec.ID {
			return updated[i].Status
		}
	}
	return ""
}

// JobExhausted implements polljob.Sink. The record stays visible at its last
// known status; exhaustion is reported, not silently swallowed.
func (e *Engine) JobExhausted(jobID string) {
	e.bus.Publish(events.Event{Type: events.TypeJobFinished, ID: jobID})
}

// Snapshot returns the reconciled collection, newest first.
func (e *Engine) Snapshot() []record.IncidentRecord { return e.col.Snapshot() }

// Get returns one record by id.
func (e *Engine) Get(id string) (record.IncidentRecord, bool) { return e.col.Get(id) }

// Jobs exposes poll job states for the ops surface.
func (e *Engine) Jobs() []polljob.Info { return e.ctrl.Jobs() }

// Tombstones exposes the dismissed sets for the ops surface.
func (e *Engine) Tombstones() tombstone.Blob { return e.tombs.Snapshot() }
