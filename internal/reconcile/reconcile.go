// Package reconcile merges batches of incoming records into the single
// authoritative, duplicate-free collection. The merge is a pure function of
// (previous collection, incoming batch, tombstone view) so applying the same
// batch twice, or batches in different interleavings, converges.
package reconcile

import (
	"sort"

	"dispatchd/internal/identity"
	"dispatchd/internal/record"
)

// TombstoneView is the read side of the tombstone store, consulted at
// apply time rather than capture time.
type TombstoneView interface {
	IsDismissed(id string) bool
	IsDismissedFingerprint(fp string) bool
}

// Reconcile merges incoming into prev and returns the new collection:
// identity overlay, tombstone filter, fingerprint collapse, ordered by
// createdAt descending. Neither input slice is mutated.
func Reconcile(prev, incoming []record.IncidentRecord, tombs TombstoneView) []record.IncidentRecord {
	byID := make(map[string]record.IncidentRecord, len(prev)+len(incoming))
	order := make([]string, 0, len(prev)+len(incoming))
	for _, r := range prev {
		if _, ok := byID[r.ID]; !ok {
			order = append(order, r.ID)
		}
		byID[r.ID] = r
	}

	// Identity overlay. Field-level merge: incoming wins per field, but a
	// payload that omits a field never erases what we already know.
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		existing, known := byID[in.ID]
		if !known {
			// A record with only a status is a progress update for an id we
			// have never seen; admitting it would create a phantom card.
			if !in.HasContent() {
				continue
			}
			byID[in.ID] = in
			order = append(order, in.ID)
			continue
		}
		byID[in.ID] = record.Overlay(existing, in)
	}

	// Tombstone filter, then fingerprint collapse. Records without content
	// fingerprint as empty; those stay keyed by id so two in-flight
	// placeholders never collapse into each other.
	groups := make(map[string][]record.IncidentRecord)
	groupOrder := make([]string, 0, len(order))
	for _, id := range order {
		r, ok := byID[id]
		if !ok {
			continue
		}
		fp := identity.OfRecord(r)
		if tombs != nil && (tombs.IsDismissed(r.ID) || tombs.IsDismissedFingerprint(fp)) {
			continue
		}
		key := fp
		if identity.Empty(fp) {
			key = "id\x1f" + r.ID
		}
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], r)
	}

	out := make([]record.IncidentRecord, 0, len(groupOrder))
	for _, key := range groupOrder {
		out = append(out, collapse(groups[key]))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// collapse picks the highest-status-rank record of a fingerprint group,
// breaking rank ties by field completeness, and uses the losers as fallback
// sources for absent fields. Deterministic regardless of arrival order.
func collapse(group []record.IncidentRecord) record.IncidentRecord {
	winner := group[0]
	for _, r := range group[1:] {
		if better(r, winner) {
			winner = r
		}
	}
	for _, r := range group {
		if r.ID == winner.ID {
			continue
		}
		winner.FillFrom(r)
	}
	return winner
}

func better(a, b record.IncidentRecord) bool {
	ra, rb := a.Status.Rank(), b.Status.Rank()
	if ra != rb {
		return ra > rb
	}
	fa, fb := a.FieldCount(), b.FieldCount()
	if fa != fb {
		return fa > fb
	}
	return a.ID < b.ID
}
