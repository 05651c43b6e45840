package reconcile

import (
	"strings"
	"time"

	"dispatchd/internal/canonical"
	"dispatchd/internal/identity"
	"dispatchd/internal/record"
)

// FromCanonical turns a canonical record into an authoritative one, minting
// the content-derived stable id unless the source supplied its own. Returns
// ok=false for records that must not enter the overlay: unparseable
// timestamps, or no usable content without an id to attach it to.
func FromCanonical(c canonical.Record, defaultStatus record.Status, now time.Time) (record.IncidentRecord, bool) {
	if c.BadCreatedAt {
		return record.IncidentRecord{}, false
	}
	if !c.HasContent() && c.ID == "" {
		return record.IncidentRecord{}, false
	}

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = now.UTC().Truncate(time.Second)
	}

	r := record.IncidentRecord{
		CreatedAt:     createdAt,
		Transcript:    c.Transcript,
		Notes:         c.Notes,
		EmergencyType: c.IncidentType,
		EmergencyTags: c.Tags,
		Confidence:    c.Confidence,
		ResponseTime:  c.ResponseTime,
		CallerPhone:   c.CallerPhone,
		Flags:         c.Flags,
		Status:        c.Status,
	}
	if r.Status == "" {
		r.Status = defaultStatus
	}
	if len(r.EmergencyTags) == 0 && c.IncidentType != "" {
		r.EmergencyTags = []string{strings.ToLower(c.IncidentType)}
	}
	if c.Lat != nil || c.Lng != nil || c.Address != "" {
		r.Location = &record.Location{Lat: c.Lat, Lng: c.Lng, Address: c.Address}
	}

	if c.ID != "" {
		r.ID = c.ID
	} else {
		r.ID = identity.StableID(identity.OfCanonical(c), createdAt)
	}
	return r, true
}
