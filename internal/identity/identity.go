// Package identity derives the content fingerprint used for duplicate
// detection and the stable identifier used as a record's primary key. Both
// are deterministic across restarts and platforms.
package identity

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"dispatchd/internal/canonical"
	"dispatchd/internal/record"
)

// IDPrefix namespaces content-derived ids away from externally supplied
// identifiers (upload job ids, manual-entry ids).
const IDPrefix = "inc-"

// sep joins fingerprint components. It is a control character, so it can
// never survive text normalization and collide with content.
const sep = "\x1f"

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeText trims, lowercases, and collapses internal whitespace.
func NormalizeText(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}
	return whitespacePattern.ReplaceAllString(s, " ")
}

// CoordString formats a coordinate with fixed six-decimal precision so
// floating-point jitter does not create spurious distinctness. Absent
// coordinates format as the empty string.
func CoordString(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *v)
}

// Fingerprint builds the content-derived dedup key from the four components
// that define "the same incident": address, coordinates, transcript.
func Fingerprint(address string, lat, lng *float64, transcript string) string {
	return strings.Join([]string{
		NormalizeText(address),
		CoordString(lat),
		CoordString(lng),
		NormalizeText(transcript),
	}, sep)
}

// Empty reports whether fp carries no content at all. Empty fingerprints
// (placeholders, status-only updates) must never collapse with each other.
func Empty(fp string) bool {
	return strings.Trim(fp, sep) == ""
}

// OfCanonical fingerprints a canonical record.
func OfCanonical(c canonical.Record) string {
	return Fingerprint(c.Address, c.Lat, c.Lng, c.Transcript)
}

// OfRecord fingerprints an authoritative record.
func OfRecord(r record.IncidentRecord) string {
	var addr string
	var lat, lng *float64
	if r.Location != nil {
		addr = r.Location.Address
		lat, lng = r.Location.Lat, r.Location.Lng
	}
	return Fingerprint(addr, lat, lng, r.Transcript)
}

// StableID hashes fingerprint plus creation time into the record's primary
// key. Identical content created at the same instant collides by design:
// the same call re-ingested is the same incident.
func StableID(fp string, createdAt time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(fp))
	h.Write([]byte(sep))
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339)))
	return fmt.Sprintf("%s%016x", IDPrefix, h.Sum64())
}
