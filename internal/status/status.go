// Package status implements the bounded event feed the controllers publish
// to. It is the system's only user-facing "log" output: an append-only ring
// holding the most recent events, oldest evicted first.
package status

import (
	"fmt"
	"sync"
	"time"
)

// Severity tags an event for display.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// DefaultCapacity is the event cap used when NewRing is given a
// non-positive capacity.
const DefaultCapacity = 50

// Event is one entry in the feed.
type Event struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Ring is a fixed-capacity append-only event buffer. Safe for concurrent
// use: controllers append while the monitor server snapshots.
type Ring struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

// NewRing creates a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity}
}

// Append adds an event, evicting the oldest entry once the cap is exceeded.
func (r *Ring) Append(sev Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Time: time.Now(), Severity: sev, Message: message})
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

// Infof appends a formatted info event.
func (r *Ring) Infof(format string, v ...interface{}) {
	r.Append(SeverityInfo, fmt.Sprintf(format, v...))
}

// Warnf appends a formatted warning event.
func (r *Ring) Warnf(format string, v ...interface{}) {
	r.Append(SeverityWarn, fmt.Sprintf(format, v...))
}

// Errorf appends a formatted error event.
func (r *Ring) Errorf(format string, v ...interface{}) {
	r.Append(SeverityError, fmt.Sprintf(format, v...))
}

// Snapshot returns a copy of the current events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of events currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
