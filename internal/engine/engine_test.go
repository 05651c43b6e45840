package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatchd/internal/canonical"
	"dispatchd/internal/confirm"
	"dispatchd/internal/events"
	"dispatchd/internal/identity"
	"dispatchd/internal/polljob"
	"dispatchd/internal/record"
	"dispatchd/internal/tombstone"
)

type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func (m *memBackend) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}
func (m *memBackend) Save(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}
func (m *memBackend) Watch(ctx context.Context, fn func()) error { return nil }
func (m *memBackend) Close() error                               { return nil }

type scriptedFeed struct {
	mu      sync.Mutex
	batches [][]canonical.Raw
	calls   int
}

func (f *scriptedFeed) FetchBatch(ctx context.Context) ([]canonical.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	if len(f.batches) > 1 {
		f.batches = f.batches[1:]
	}
	return batch, nil
}

type nullSource struct{}

func (nullSource) JobStatus(ctx context.Context, jobID string) (canonical.Raw, error) {
	return nil, nil
}

type fakeConfirmer struct {
	mu       sync.Mutex
	calls    int
	response canonical.Raw
	onCall   func(rec record.IncidentRecord)
}

func (f *fakeConfirmer) Confirm(ctx context.Context, rec record.IncidentRecord, ov confirm.Overrides) (canonical.Raw, error) {
	f.mu.Lock()
	f.calls++
	cb := f.onCall
	f.mu.Unlock()
	if cb != nil {
		cb(rec)
	}
	return f.response, nil
}

func firePayload(address, transcript string) canonical.Raw {
	return canonical.Raw{
		"address":    address,
		"lat":        40.7128,
		"long":       -74.006,
		"transcript": transcript,
		"createdAt":  "2026-03-01T12:00:00Z",
	}
}

func newTestEngine(t *testing.T, feed Feed, confirmer Confirmer) (*Engine, *tombstone.Set) {
	t.Helper()
	tombs := tombstone.NewSet(&memBackend{}, zap.NewNop())
	require.NoError(t, tombs.Hydrate(context.Background()))
	eng := New(feed, nullSource{}, confirmer, tombs, Config{
		RefreshInterval: time.Hour,
		PollInterval:    time.Hour,
	}, polljob.RealClock(), events.NewBus(), zap.NewNop())
	return eng, tombs
}

func TestRefreshBatchDeduplicates(t *testing.T) {
	feed := &scriptedFeed{batches: [][]canonical.Raw{{
		firePayload("123 Elm St", "structure fire"),
		{
			// Same incident under another source's field names.
			"Address":       "123 ELM ST",
			"Latitude":      40.7128,
			"long":          -74.006,
			"Transcription": "Structure  Fire",
			"createdAt":     "2026-03-01T12:05:00Z",
		},
	}}}
	eng, _ := newTestEngine(t, feed, &fakeConfirmer{})

	require.NoError(t, eng.RefreshBatch(context.Background()))
	snap := eng.Snapshot()
	require.Len(t, snap, 1, "same content must collapse to one record")
	assert.Equal(t, record.StatusNeedsConfirmation, snap[0].Status)

	// Re-applying the same feed converges.
	require.NoError(t, eng.RefreshBatch(context.Background()))
	assert.Equal(t, snap, eng.Snapshot())
}

func TestDismissIsPermanent(t *testing.T) {
	feed := &scriptedFeed{batches: [][]canonical.Raw{{firePayload("123 Elm St", "fire")}}}
	eng, tombs := newTestEngine(t, feed, &fakeConfirmer{})

	require.NoError(t, eng.RefreshBatch(context.Background()))
	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	id := snap[0].ID

	require.NoError(t, eng.Dismiss(context.Background(), id))
	assert.Empty(t, eng.Snapshot())
	assert.True(t, tombs.IsDismissed(id))

	// The upstream keeps serving the same payload; the record stays gone even
	// though a fresh canonicalization would mint the same identity.
	require.NoError(t, eng.RefreshBatch(context.Background()))
	assert.Empty(t, eng.Snapshot())

	assert.ErrorIs(t, eng.Dismiss(context.Background(), id), ErrNotFound)
}

func TestDismissUnknownID(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedFeed{}, &fakeConfirmer{})
	assert.ErrorIs(t, eng.Dismiss(context.Background(), "nope"), ErrNotFound)
}

func TestHydratedTombstonesFilterFirstRefresh(t *testing.T) {
	payload := firePayload("123 Elm St", "fire")
	cn := canonical.Canonicalize(payload)
	fp := identity.OfCanonical(cn)

	// Marshal the fixture properly: fingerprints carry a control-character
	// separator that a hand-built JSON literal would not escape.
	blob, err := json.Marshal(tombstone.Blob{FPs: []string{fp}})
	require.NoError(t, err)

	backend := &memBackend{data: blob}
	tombs := tombstone.NewSet(backend, zap.NewNop())
	require.NoError(t, tombs.Hydrate(context.Background()))

	feed := &scriptedFeed{batches: [][]canonical.Raw{{payload}}}
	eng := New(feed, nullSource{}, &fakeConfirmer{}, tombs, Config{}, polljob.RealClock(), events.NewBus(), zap.NewNop())

	require.NoError(t, eng.RefreshBatch(context.Background()))
	assert.Empty(t, eng.Snapshot(), "persisted dismissal must hold across restart")
}

func TestConfirmRequiresLocation(t *testing.T) {
	feed := &scriptedFeed{batches: [][]canonical.Raw{{
		{"address": "123 Elm St", "transcript": "fire"}, // no coordinates
	}}}
	confirmer := &fakeConfirmer{}
	eng, _ := newTestEngine(t, feed, confirmer)
	require.NoError(t, eng.RefreshBatch(context.Background()))
	id := eng.Snapshot()[0].ID

	_, err := eng.Confirm(context.Background(), id, confirm.Overrides{})
	assert.ErrorIs(t, err, ErrInvalidLocation)
	assert.Equal(t, 0, confirmer.calls, "no network call without a usable location")
	assert.Len(t, eng.Snapshot(), 1, "record untouched")

	// An override location with coordinates unblocks the confirmation.
	lat, lng := 40.7128, -74.006
	confirmer.response = firePayload("123 Elm St", "fire")
	confirmer.response["status"] = "confirmed"
	_, err = eng.Confirm(context.Background(), id, confirm.Overrides{
		Location: &record.Location{Lat: &lat, Lng: &lng, Address: "123 Elm St"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, confirmer.calls)
}

func TestConfirmSwapsIdentity(t *testing.T) {
	feed := &scriptedFeed{batches: [][]canonical.Raw{{firePayload("123 Elm St", "fire")}}}
	confirmer := &fakeConfirmer{response: canonical.Raw{
		"address":    "123 Elm Street", // authoritative response normalizes the address
		"lat":        40.7128,
		"long":       -74.006,
		"transcript": "structure fire, two callers",
		"status":     "confirmed",
		"createdAt":  "2026-03-01T12:00:00Z",
	}}
	eng, _ := newTestEngine(t, feed, confirmer)
	require.NoError(t, eng.RefreshBatch(context.Background()))
	oldID := eng.Snapshot()[0].ID

	got, err := eng.Confirm(context.Background(), oldID, confirm.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, record.StatusDone, got.Status)
	assert.True(t, strings.HasPrefix(got.ID, identity.IDPrefix))

	snap := eng.Snapshot()
	require.Len(t, snap, 1, "old and confirmed identity never coexist")
	assert.Equal(t, got.ID, snap[0].ID)
	for _, r := range snap {
		assert.NotEqual(t, oldID, r.ID)
	}
}

func TestConfirmLosesRaceWithDismissal(t *testing.T) {
	feed := &scriptedFeed{batches: [][]canonical.Raw{{firePayload("123 Elm St", "fire")}}}
	confirmer := &fakeConfirmer{response: firePayload("123 Elm St", "fire")}
	eng, _ := newTestEngine(t, feed, confirmer)
	require.NoError(t, eng.RefreshBatch(context.Background()))
	id := eng.Snapshot()[0].ID

	// The dismissal lands while the confirmation round-trip is in flight.
	confirmer.onCall = func(rec record.IncidentRecord) {
		require.NoError(t, eng.Dismiss(context.Background(), rec.ID))
	}

	_, err := eng.Confirm(context.Background(), id, confirm.Overrides{})
	assert.ErrorIs(t, err, ErrDismissed)
	assert.Empty(t, eng.Snapshot())
}

func TestConfirmUnknownID(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedFeed{}, &fakeConfirmer{})
	_, err := eng.Confirm(context.Background(), "nope", confirm.Overrides{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptUploadPlaceholder(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedFeed{}, &fakeConfirmer{})

	jobID, placeholder := eng.AcceptUpload(context.Background(), "call-0413.wav")
	assert.True(t, strings.HasPrefix(jobID, "job-"))
	assert.Equal(t, jobID, placeholder.ID)
	assert.Equal(t, record.StatusProcessing, placeholder.Status)
	assert.Equal(t, "call-0413.wav", placeholder.Notes)

	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, jobID, snap[0].ID)

	jobs := eng.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, polljob.StateActive, jobs[0].State)

	// Two uploads, two placeholders; empty fingerprints never collapse.
	eng.AcceptUpload(context.Background(), "call-0414.wav")
	assert.Len(t, eng.Snapshot(), 2)

	eng.Teardown()
}

func TestResolveJobStatusOnlyBeforeResolution(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedFeed{}, &fakeConfirmer{})
	defer eng.Teardown()
	jobID, _ := eng.AcceptUpload(context.Background(), "call.wav")

	// A progress tick lands before any content resolved: the placeholder must
	// absorb the status in place, not vanish.
	status := eng.ResolveJob(context.Background(), jobID, record.IncidentRecord{
		ID:     jobID,
		Status: record.StatusDone,
	})
	assert.Equal(t, record.StatusDone, status)

	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, jobID, snap[0].ID)
	assert.Equal(t, record.StatusDone, snap[0].Status)
}

func TestDismissPlaceholderCancelsJob(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedFeed{}, &fakeConfirmer{})
	jobID, _ := eng.AcceptUpload(context.Background(), "call.wav")

	require.NoError(t, eng.Dismiss(context.Background(), jobID))
	assert.Empty(t, eng.Snapshot())
	jobs := eng.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, polljob.StateCancelled, jobs[0].State)
}

func TestAddManual(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedFeed{}, &fakeConfirmer{})

	lat, lng := 40.7128, -74.006
	rec1 := eng.AddManual(ManualEntry{Address: "123 Elm St", Lat: &lat, Lng: &lng, Notes: "walk-in report"})
	assert.True(t, strings.HasPrefix(rec1.ID, "manual-"))
	assert.Equal(t, record.StatusNeedsConfirmation, rec1.Status)
	assert.Equal(t, "manual", rec1.EmergencyType, "type defaults when the operator leaves it blank")

	rec2 := eng.AddManual(ManualEntry{Address: "9 Oak Ave", EmergencyType: "Flood"})
	assert.Equal(t, "flood", rec2.EmergencyType)
	assert.Len(t, eng.Snapshot(), 2)
}
