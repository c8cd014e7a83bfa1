// Package events carries the signals emitted by the escrow engine to external
// consumers such as metrics, notification webhooks and audit logs.
package events

import (
	"sort"
	"sync"
)

// Event is a structured state change. Attributes are flat strings so that an
// event can be logged, indexed or forwarded without knowing its schema.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventType returns the event type string.
func (e Event) EventType() string { return e.Type }

// Attr returns the attribute value for key, or "" when absent.
func (e Event) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Fanout forwards every event to each non-nil emitter in order.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(e Event) {
	for _, em := range f {
		if em != nil {
			em.Emit(e)
		}
	}
}

// Recorder keeps every emitted event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Emitter.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, clone(e))
}

// Events returns a copy of all recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	for i, e := range r.events {
		out[i] = clone(e)
	}
	return out
}

// Count returns how many recorded events have the given type.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Keys returns the attribute keys of e in sorted order.
func Keys(e Event) []string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(e Event) Event {
	out := Event{Type: e.Type, Attributes: make(map[string]string, len(e.Attributes))}
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	return out
}
