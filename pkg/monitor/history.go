package monitor

import (
	"sync"

	"biochip-go/pkg/grid"
)

// DefaultHistorySize is the number of events kept when none is configured.
const DefaultHistorySize = 256

// History keeps the most recent grid events in a ring.
type History struct {
	mu     sync.RWMutex
	events []grid.Event
	next   int
	full   bool
}

// NewHistory returns a history holding up to size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{events: make([]grid.Event, size)}
}

// Add records e, dropping the oldest event when full.
func (h *History) Add(e grid.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[h.next] = e
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of events held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.events)
	}
	return h.next
}

// All returns the held events, oldest first.
func (h *History) All() []grid.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]grid.Event{}, h.events[:h.next]...)
	}
	out := make([]grid.Event, 0, len(h.events))
	out = append(out, h.events[h.next:]...)
	return append(out, h.events[:h.next]...)
}

// Since returns the held events of the latest run with Seq > seq.
func (h *History) Since(seq uint64) []grid.Event {
	all := h.All()
	if len(all) == 0 {
		return all
	}
	run := all[len(all)-1].RunID
	out := []grid.Event{}
	for _, e := range all {
		if e.RunID == run && e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
