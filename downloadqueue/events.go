package downloadqueue

import (
	"sync"
	"time"
)

// EventKind is the closed set of queue lifecycle events.
type EventKind string

const (
	// EventStarted fires when an item's transfer begins.
	EventStarted EventKind = "started"
	// EventCompleted fires when an item's transfer succeeds.
	EventCompleted EventKind = "completed"
	// EventFailed fires when an item exhausts its retries or is rejected.
	EventFailed EventKind = "failed"
	// EventQueueEmptied fires when the queue drains to idle.
	EventQueueEmptied EventKind = "queue_emptied"
)

// Event describes one queue lifecycle transition.
type Event struct {
	Kind      EventKind
	ItemID    string
	Hash      string
	Label     string
	Attempts  int
	Bytes     int64
	Err       error
	Timestamp time.Time
}

// Subscriber receives queue events. A panicking subscriber is recovered and
// logged; it never blocks other subscribers or the queue.
type Subscriber func(Event)

type eventBus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]Subscriber
	log         Logger
}

func newEventBus(log Logger) *eventBus {
	return &eventBus{
		subscribers: make(map[int]Subscriber),
		log:         log,
	}
}

// subscribe registers fn and returns an unsubscribe function.
func (b *eventBus) subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

func (b *eventBus) emit(event Event) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		b.dispatch(fn, event)
	}
}

func (b *eventBus) dispatch(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("Queue event subscriber panicked", "event", string(event.Kind), "panic", r)
		}
	}()
	fn(event)
}
