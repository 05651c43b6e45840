// Package tombstone keeps the durable set of dismissed incident ids and
// fingerprints. The set is hydrated once at startup, consulted on every
// reconciliation, and persisted before any dismissal takes effect elsewhere.
package tombstone

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Blob is the persisted shape: one key holding both sets.
type Blob struct {
	IDs []string `json:"ids"`
	FPs []string `json:"fps"`
}

// DecodeBlob accepts the current {ids, fps} shape as well as the legacy
// format that was a bare array of ids, upgrading the latter.
func DecodeBlob(data []byte) (Blob, error) {
	if len(data) == 0 {
		return Blob{}, nil
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err == nil {
		return b, nil
	}
	var legacy []string
	if err := json.Unmarshal(data, &legacy); err == nil {
		return Blob{IDs: legacy}, nil
	}
	return Blob{}, eris.New("tombstone: unrecognized blob format")
}

// Backend persists the blob and optionally signals external changes.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	// Watch invokes fn whenever another writer changes the blob. Backends
	// without external writers may make this a no-op.
	Watch(ctx context.Context, fn func()) error
	Close() error
}

// Set is the in-memory view over a Backend.
type Set struct {
	mu      sync.RWMutex
	ids     map[string]struct{}
	fps     map[string]struct{}
	backend Backend
	log     *zap.Logger
}

func NewSet(backend Backend, log *zap.Logger) *Set {
	return &Set{
		ids:     make(map[string]struct{}),
		fps:     make(map[string]struct{}),
		backend: backend,
		log:     log,
	}
}

// Hydrate loads the persisted blob. It must run before any reconciliation:
// reconciling first would risk resurrecting deleted content.
func (s *Set) Hydrate(ctx context.Context) error {
	data, err := s.backend.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "tombstone: load")
	}
	blob, err := DecodeBlob(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ids = make(map[string]struct{}, len(blob.IDs))
	s.fps = make(map[string]struct{}, len(blob.FPs))
	for _, id := range blob.IDs {
		s.ids[id] = struct{}{}
	}
	for _, fp := range blob.FPs {
		s.fps[fp] = struct{}{}
	}
	s.mu.Unlock()
	s.log.Debug("tombstones hydrated", zap.Int("ids", len(blob.IDs)), zap.Int("fps", len(blob.FPs)))
	return nil
}

// Watch re-hydrates on external change and then invokes onChange so the
// owner can force a re-reconciliation. All views converge to the same set.
func (s *Set) Watch(ctx context.Context, onChange func()) error {
	return s.backend.Watch(ctx, func() {
		if err := s.Hydrate(ctx); err != nil {
			s.log.Warn("tombstone re-hydrate failed", zap.Error(err))
			return
		}
		if onChange != nil {
			onChange()
		}
	})
}

// Dismiss adds the id and fingerprint and persists synchronously before
// returning. Idempotent. Callers must not drop the record from any live
// collection, nor cancel its poll job, until this returns nil.
func (s *Set) Dismiss(ctx context.Context, id, fp string) error {
	s.mu.Lock()
	_, haveID := s.ids[id]
	_, haveFP := s.fps[fp]
	if haveID && (fp == "" || haveFP) {
		s.mu.Unlock()
		return nil
	}
	if id != "" {
		s.ids[id] = struct{}{}
	}
	if fp != "" {
		s.fps[fp] = struct{}{}
	}
	blob := s.blobLocked()
	s.mu.Unlock()

	data, err := json.Marshal(blob)
	if err != nil {
		return eris.Wrap(err, "tombstone: marshal")
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return eris.Wrap(err, "tombstone: persist")
	}
	return nil
}

func (s *Set) IsDismissed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Set) IsDismissedFingerprint(fp string) bool {
	if fp == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fps[fp]
	return ok
}

// Snapshot returns the current blob with sorted members, for ops listings.
func (s *Set) Snapshot() Blob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobLocked()
}

func (s *Set) blobLocked() Blob {
	blob := Blob{IDs: make([]string, 0, len(s.ids)), FPs: make([]string, 0, len(s.fps))}
	for id := range s.ids {
		blob.IDs = append(blob.IDs, id)
	}
	for fp := range s.fps {
		blob.FPs = append(blob.FPs, fp)
	}
	sort.Strings(blob.IDs)
	sort.Strings(blob.FPs)
	return blob
}

func (s *Set) Close() error { return s.backend.Close() }
