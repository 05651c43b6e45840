package reconcile

import (
	"sync"

	"dispatchd/internal/record"
)

// Collection owns the authoritative record slice. All mutation goes through
// Apply/Swap/Purge, each of which re-runs the pure Reconcile under one lock
// so readers only ever observe a fully reconciled state.
type Collection struct {
	mu       sync.RWMutex
	recs     []record.IncidentRecord
	tombs    TombstoneView
	onChange func(n int)
}

func NewCollection(tombs TombstoneView, onChange func(n int)) *Collection {
	return &Collection{tombs: tombs, onChange: onChange}
}

// Apply reconciles a batch in and returns the new collection.
func (c *Collection) Apply(batch []record.IncidentRecord) []record.IncidentRecord {
	c.mu.Lock()
	c.recs = Reconcile(c.recs, batch, c.tombs)
	out := snapshot(c.recs)
	c.mu.Unlock()
	c.notify(len(out))
	return out
}

// Insert admits a locally minted record (upload placeholder, manual entry)
// unconditionally by seeding it as prior state before reconciling. Reconcile
// only filters the incoming side, so the content-less-record rule that keeps
// phantom feed updates out does not apply here. Tombstones still do.
func (c *Collection) Insert(rec record.IncidentRecord) []record.IncidentRecord {
	c.mu.Lock()
	c.recs = Reconcile(append(snapshot(c.recs), rec), nil, c.tombs)
	out := snapshot(c.recs)
	c.mu.Unlock()
	c.notify(len(out))
	return out
}

// Swap removes the record keyed by removeID and reconciles batch in within a
// single lock acquisition. Used when a poll job's placeholder key is replaced
// by the final stable identity: readers never see the duplicate-then-merge
// flash of both keys at once.
func (c *Collection) Swap(removeID string, batch []record.IncidentRecord) []record.IncidentRecord {
	c.mu.Lock()
	kept := make([]record.IncidentRecord, 0, len(c.recs))
	for _, r := range c.recs {
		if r.ID != removeID {
			kept = append(kept, r)
		}
	}
	c.recs = Reconcile(kept, batch, c.tombs)
	out := snapshot(c.recs)
	c.mu.Unlock()
	c.notify(len(out))
	return out
}

// Purge re-reconciles against the current tombstone view with no incoming
// batch, dropping anything dismissed since the last apply.
func (c *Collection) Purge() []record.IncidentRecord {
	return c.Apply(nil)
}

// Snapshot returns a copy of the current collection.
func (c *Collection) Snapshot() []record.IncidentRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.recs)
}

// Get returns the record with the given id.
func (c *Collection) Get(id string) (record.IncidentRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.recs {
		if r.ID == id {
			return r, true
		}
	}
	return record.IncidentRecord{}, false
}

func (c *Collection) notify(n int) {
	if c.onChange != nil {
		c.onChange(n)
	}
}

func snapshot(recs []record.IncidentRecord) []record.IncidentRecord {
	return append([]record.IncidentRecord(nil), recs...)
}
