// Package canonical maps arbitrary incoming record shapes into the single
// internal layout the rest of the engine works with. Sources disagree on
// field names, casing, and types; resolution is data-driven from an ordered
// alias table rather than per-source branching.
package canonical

import (
	_ "embed"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dispatchd/internal/record"
)

//go:embed aliases.yaml
var aliasTable []byte

var aliases map[string][]string

func init() {
	if err := yaml.Unmarshal(aliasTable, &aliases); err != nil {
		panic("canonical: bad alias table: " + err.Error())
	}
}

// Raw is an incoming record of unknown shape.
type Raw = map[string]any

// Record is the canonical raw shape all heterogeneous inputs normalize into.
// Absent or malformed input degrades to zero values; Canonicalize never fails.
type Record struct {
	ID           string
	Address      string
	IncidentType string
	Lat          *float64
	Lng          *float64
	Transcript   string
	Notes        string
	CreatedAt    time.Time // zero when absent
	BadCreatedAt bool      // present but unparseable
	Status       record.Status
	Confidence   *float64
	ResponseTime *float64 // seconds, from the legacy backend payload
	Tags         []string
	CallerPhone  string
	Flags        *record.Flags
}

// HasContent reports whether the record carries any usable incident content:
// free text, a type, an address, or coordinates. A record with only a status
// is a progress update, not content.
func (r Record) HasContent() bool {
	return strings.TrimSpace(r.Transcript) != "" ||
		strings.TrimSpace(r.IncidentType) != "" ||
		strings.TrimSpace(r.Address) != "" ||
		(r.Lat != nil && r.Lng != nil)
}

// Canonicalize resolves each canonical field against the alias table, taking
// the first present, coercible value. Side-effect free and total: garbage in,
// empty fields out.
func Canonicalize(raw Raw) Record {
	var c Record
	if raw == nil {
		return c
	}
	c.ID = lookupString(raw, "id")
	c.Address = lookupString(raw, "address")
	c.IncidentType = strings.ToLower(lookupString(raw, "incidentType"))
	c.Lat = lookupFloat(raw, "lat")
	c.Lng = lookupFloat(raw, "lng")
	c.Transcript = lookupString(raw, "transcript")
	c.Notes = lookupString(raw, "notes")
	c.Status = record.ParseStatus(lookupString(raw, "status"))
	c.Confidence = clampConfidence(lookupFloat(raw, "confidence"))
	c.ResponseTime = lookupFloat(raw, "responseTime")
	c.Tags = lookupTags(raw)
	c.CallerPhone = lookupString(raw, "callerPhone")
	c.Flags = lookupFlags(raw)

	if ts := lookupString(raw, "createdAt"); ts != "" {
		if parsed, ok := parseTimestamp(ts); ok {
			c.CreatedAt = parsed
		} else {
			c.BadCreatedAt = true
		}
	}
	return c
}

func resolve(raw Raw, field string) (any, bool) {
	for _, alias := range aliases[field] {
		if v, ok := dig(raw, alias); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// dig walks dot-separated paths through nested maps.
func dig(raw Raw, path string) (any, bool) {
	cur := any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(raw Raw, field string) string {
	v, ok := resolve(raw, field)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// lookupFloat accepts numeric and numeric-string representations. Anything
// that does not parse to a finite number is absent, never zero.
func lookupFloat(raw Raw, field string) *float64 {
	v, ok := resolve(raw, field)
	if !ok {
		return nil
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func clampConfidence(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := math.Min(1, math.Max(0, *v))
	return &f
}

func lookupTags(raw Raw) []string {
	v, ok := resolve(raw, "tags")
	if !ok {
		return nil
	}
	var out []string
	appendTag := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return
		}
		for _, have := range out {
			if have == s {
				return
			}
		}
		out = append(out, s)
	}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				appendTag(s)
			}
		}
	case []string:
		for _, s := range t {
			appendTag(s)
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			appendTag(s)
		}
	}
	return out
}

func lookupFlags(raw Raw) *record.Flags {
	v, ok := resolve(raw, "flags")
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var f record.Flags
	var set bool
	for key, val := range m {
		b, ok := val.(bool)
		if !ok || !b {
			continue
		}
		switch strings.ToLower(key) {
		case "accent_uncertainty", "accentuncertainty":
			f.AccentUncertainty = true
			set = true
		case "intoxication", "intoxicated":
			f.Intoxication = true
			set = true
		case "suspected_false_report", "false_report":
			f.SuspectedFalseReport = true
			set = true
		}
	}
	if !set {
		return nil
	}
	return &f
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	// Epoch seconds show up in a couple of legacy feeds.
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 1_000_000_000 && secs < 10_000_000_000 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}
