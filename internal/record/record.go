package record

import (
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state of an incident. The order is strict:
// a record never moves backward except by an explicit authoritative overwrite.
type Status string

const (
	StatusProcessing        Status = "processing"
	StatusNeedsConfirmation Status = "needs_confirmation"
	StatusDone              Status = "done"
)

// Rank returns the merge precedence of a status. Unknown statuses rank
// below processing so garbage from upstream never wins a merge.
func (s Status) Rank() int {
	switch s {
	case StatusDone:
		return 3
	case StatusNeedsConfirmation:
		return 2
	case StatusProcessing:
		return 1
	default:
		return 0
	}
}

// ParseStatus maps the status vocabulary seen across upstream sources onto
// the three lifecycle states. Empty input stays empty so callers can apply
// their own default.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "complete", "completed", "confirmed", "succeeded":
		return StatusDone
	case "needs_confirmation", "unconfirmed", "pending_confirmation":
		return StatusNeedsConfirmation
	case "processing", "pending", "queued", "in_progress", "running":
		return StatusProcessing
	case "":
		return ""
	default:
		return StatusProcessing
	}
}

// Location is where an incident happened. Coordinates are pointers because
// an address can be known before geocoding fills the point in, and zero is a
// real coordinate.
type Location struct {
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	Address string   `json:"address,omitempty"`
}

// HasCoords reports whether both coordinates are present and finite.
func (l *Location) HasCoords() bool {
	return l != nil && l.Lat != nil && l.Lng != nil &&
		!math.IsNaN(*l.Lat) && !math.IsInf(*l.Lat, 0) &&
		!math.IsNaN(*l.Lng) && !math.IsInf(*l.Lng, 0)
}

// Flags carries boolean caller signals surfaced by the transcription backend.
type Flags struct {
	AccentUncertainty    bool `json:"accent_uncertainty,omitempty"`
	Intoxication         bool `json:"intoxication,omitempty"`
	SuspectedFalseReport bool `json:"suspected_false_report,omitempty"`
}

// IncidentRecord is the authoritative unit the UI and map consume.
type IncidentRecord struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	Transcript    string    `json:"transcript,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	EmergencyType string    `json:"emergencyType,omitempty"`
	EmergencyTags []string  `json:"emergencyTags,omitempty"`
	Confidence    *float64  `json:"confidence,omitempty"`
	ResponseTime  *float64  `json:"responseTime,omitempty"`
	Location      *Location `json:"location,omitempty"`
	CallerPhone   string    `json:"callerPhone,omitempty"`
	Flags         *Flags    `json:"flags,omitempty"`
	Status        Status    `json:"status"`
}

// HasContent reports whether the record carries anything beyond lifecycle
// bookkeeping. Records without content are progress updates, not incidents.
func (r IncidentRecord) HasContent() bool {
	if strings.TrimSpace(r.Transcript) != "" || strings.TrimSpace(r.EmergencyType) != "" {
		return true
	}
	if r.Location.HasCoords() || (r.Location != nil && strings.TrimSpace(r.Location.Address) != "") {
		return true
	}
	return false
}

// FieldCount counts non-absent fields. Used as the deterministic tie-break
// when two same-fingerprint records share a status rank.
func (r IncidentRecord) FieldCount() int {
	n := 0
	for _, s := range []string{r.Transcript, r.Notes, r.EmergencyType, r.CallerPhone} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	if len(r.EmergencyTags) > 0 {
		n++
	}
	if r.Confidence != nil {
		n++
	}
	if r.Location.HasCoords() {
		n++
	}
	if r.Location != nil && strings.TrimSpace(r.Location.Address) != "" {
		n++
	}
	if r.Flags != nil {
		n++
	}
	return n
}

// FillFrom copies fields from src into r wherever r has no value. Status and
// identity are left alone; this is the fallback half of a field-level merge.
func (r *IncidentRecord) FillFrom(src IncidentRecord) {
	if strings.TrimSpace(r.Transcript) == "" {
		r.Transcript = src.Transcript
	}
	if strings.TrimSpace(r.Notes) == "" {
		r.Notes = src.Notes
	}
	if strings.TrimSpace(r.EmergencyType) == "" {
		r.EmergencyType = src.EmergencyType
	}
	if len(r.EmergencyTags) == 0 {
		r.EmergencyTags = src.EmergencyTags
	}
	if r.Confidence == nil {
		r.Confidence = src.Confidence
	}
	if r.ResponseTime == nil {
		r.ResponseTime = src.ResponseTime
	}
	// Location structs are shared between record copies, so never mutate one
	// in place.
	if r.Location == nil {
		if src.Location != nil {
			cp := *src.Location
			r.Location = &cp
		}
	} else if src.Location != nil {
		cp := *r.Location
		if cp.Lat == nil && cp.Lng == nil {
			cp.Lat, cp.Lng = src.Location.Lat, src.Location.Lng
		}
		if strings.TrimSpace(cp.Address) == "" {
			cp.Address = src.Location.Address
		}
		r.Location = &cp
	}
	if strings.TrimSpace(r.CallerPhone) == "" {
		r.CallerPhone = src.CallerPhone
	}
	if r.Flags == nil {
		r.Flags = src.Flags
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = src.CreatedAt
	}
}

// Overlay merges incoming into base, incoming values winning for any
// non-absent field. Field-level, not wholesale: a later update that omits a
// field never erases what an earlier one supplied. Status only moves up in
// rank; a re-ingested copy of already-confirmed content cannot demote it.
func Overlay(base, incoming IncidentRecord) IncidentRecord {
	out := incoming
	if out.ID == "" {
		out.ID = base.ID
	}
	if out.Status == "" || base.Status.Rank() > out.Status.Rank() {
		out.Status = base.Status
	}
	out.FillFrom(base)
	return out
}
