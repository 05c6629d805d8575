// Package events carries typed progress events from the fetch pipeline to
// whoever is listening (CLI output, MCP job logs, tests).
package events

import (
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/Sriram-PR/img-refetch/pkg/models"
)

// Kind identifies an event type.
type Kind string

const (
	AttemptStarted Kind = "attempt_started"
	AttemptFailed  Kind = "attempt_failed"
	Succeeded      Kind = "succeeded"
	Failed         Kind = "failed"
	ItemProgress   Kind = "item_progress"
)

// Event is one progress notification.
type Event struct {
	Kind     Kind             `json:"kind"`
	Strategy models.Strategy  `json:"strategy,omitempty"`
	ErrKind  models.ErrorKind `json:"error_kind,omitempty"`
	URL      string           `json:"url,omitempty"`
	Message  string           `json:"message,omitempty"`
	Done     int              `json:"done,omitempty"`
	Total    int              `json:"total,omitempty"`
	At       time.Time        `json:"at"`
}

// Observer receives events. Notify must not block for long.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Nop discards events.
var Nop Observer = ObserverFunc(func(Event) {})

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}

const topic = "refetch:event"

// Bus fans events out to subscribers through an EventBus instance. Each Bus has
// its own underlying bus; nothing is process-wide.
type Bus struct {
	bus evbus.Bus
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// Subscribe registers fn to run synchronously on every published event.
func (b *Bus) Subscribe(fn func(Event)) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync registers fn to run in its own goroutine. With transactional
// set, calls to fn are serialized.
func (b *Bus) SubscribeAsync(fn func(Event), transactional bool) error {
	return b.bus.SubscribeAsync(topic, fn, transactional)
}

// Publish sends e to all subscribers.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.bus.Publish(topic, e)
}

// Notify implements Observer.
func (b *Bus) Notify(e Event) { b.Publish(e) }

// WaitAsync blocks until async subscribers have handled all published events.
func (b *Bus) WaitAsync() { b.bus.WaitAsync() }

// Recorder keeps every event it is notified of.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	evs := r.Events()
	out := make([]Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

// Last returns the most recent event, if any.
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}
