package events

import (
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
)

// Notifier receives host-facing events
type Notifier interface {
	Notify(event types.Event)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(event types.Event)

// Notify calls f(event)
func (f NotifierFunc) Notify(event types.Event) {
	f(event)
}

// Discard drops every event
var Discard Notifier = NotifierFunc(func(types.Event) {})

// Bus fans events out to every subscriber. Slow subscribers lose events
// rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan types.Event
	nextID int
	logger *logrus.Entry
}

// NewBus creates an event bus
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan types.Event),
		logger: logger.WithField("component", "events"),
	}
}

// Notify publishes an event to all subscribers
func (b *Bus) Notify(event types.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"type":       event.Type,
			}).Warn("Subscriber queue full, dropping event")
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan types.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recorder keeps every event it is notified of. Used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []types.Event
}

// Notify records the event
func (r *Recorder) Notify(event types.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type in order
func (r *Recorder) OfType(t types.EventType) []types.Event {
	var out []types.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
