package engine

import "github.com/rotisserie/eris"

var (
	// ErrNotFound: the id names no record in the authoritative collection.
	ErrNotFound = eris.New("incident not found")

	// ErrInvalidLocation: confirmation attempted without finite coordinates.
	// Surfaced to the caller; no network call is made and no state changes.
	ErrInvalidLocation = eris.New("incident has no usable location")

	// ErrDismissed: the record was tombstoned while an operation was in
	// flight; the result was discarded rather than resurrecting it.
	ErrDismissed = eris.New("incident was dismissed")
)
