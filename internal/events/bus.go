// Package events provides in-process pub/sub so views (SSE streams, the ops
// surface) learn about collection and tombstone changes without polling.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeCollectionUpdated Type = "collection_updated"
	TypeTombstonesChanged Type = "tombstones_changed"
	TypeJobFinished       Type = "job_finished"
)

// Event is a change notification. Count carries the collection size for
// collection updates; ID carries the subject id where one exists.
type Event struct {
	Type  Type      `json:"type"`
	ID    string    `json:"id,omitempty"`
	Count int       `json:"count,omitempty"`
	At    time.Time `json:"at"`
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
