package identity

import (
	"strings"
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("123 Elm St", f(40.7128), f(-74.006), "structure fire")
	b := Fingerprint("123 Elm St", f(40.7128), f(-74.006), "structure fire")
	if a != b {
		t.Fatalf("same input, different fingerprints: %q vs %q", a, b)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("  123  ELM St ", f(40.7128), f(-74.006), "Structure   Fire")
	b := Fingerprint("123 elm st", f(40.7128), f(-74.006), "structure fire")
	if a != b {
		t.Fatalf("case and whitespace should not distinguish: %q vs %q", a, b)
	}
}

func TestFingerprintCoordinateJitter(t *testing.T) {
	a := Fingerprint("x", f(40.71280000001), f(-74.00600000002), "y")
	b := Fingerprint("x", f(40.7128), f(-74.006), "y")
	if a != b {
		t.Fatal("sub-micro-degree jitter should round away")
	}
	c := Fingerprint("x", f(40.7129), f(-74.006), "y")
	if a == c {
		t.Fatal("distinct coordinates collapsed")
	}
}

func TestFingerprintAbsentCoords(t *testing.T) {
	withCoords := Fingerprint("123 Elm St", f(0), f(0), "")
	without := Fingerprint("123 Elm St", nil, nil, "")
	if withCoords == without {
		t.Fatal("zero coordinates and absent coordinates must differ")
	}
}

func TestEmpty(t *testing.T) {
	if !Empty(Fingerprint("", nil, nil, "")) {
		t.Error("all-absent fingerprint should be empty")
	}
	if Empty(Fingerprint("somewhere", nil, nil, "")) {
		t.Error("address-only fingerprint is not empty")
	}
}

func TestStableID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fp := Fingerprint("123 Elm St", f(40.7128), f(-74.006), "fire")

	a := StableID(fp, at)
	b := StableID(fp, at)
	if a != b {
		t.Fatalf("unstable id: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, IDPrefix) {
		t.Errorf("id %q missing prefix", a)
	}
	if c := StableID(fp, at.Add(time.Second)); c == a {
		t.Error("different createdAt should yield a different id")
	}
	if c := StableID(Fingerprint("456 Oak Ave", nil, nil, ""), at); c == a {
		t.Error("different content should yield a different id")
	}
}
