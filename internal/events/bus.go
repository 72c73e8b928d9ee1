package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Listener receives events published on the topic it subscribed to.
type Listener func(Event)

// Bus is an in-process publish/subscribe hub. Listeners run synchronously on
// the publisher's goroutine in registration order.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Topic][]subscription
	logger    *slog.Logger
}

type subscription struct {
	id uint64
	fn Listener
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		listeners: make(map[Topic][]subscription),
		logger:    logger,
	}
}

// On registers fn for topic and returns a function that unregisters it.
// Calling the returned function more than once is harmless.
func (b *Bus) On(topic Topic, fn Listener) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[topic] = append(b.listeners[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[topic]
	for i, s := range subs {
		if s.id == id {
			b.listeners[topic] = append(subs[:i:i], subs[i+1:]...)

			break
		}
	}

	if len(b.listeners[topic]) == 0 {
		delete(b.listeners, topic)
	}
}

// Emit delivers e to every listener of its topic. The listener set is
// captured before delivery, so listeners may subscribe or unsubscribe freely.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.listeners[e.Topic()]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.fn, e)
	}
}

func (b *Bus) deliver(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "topic", e.Topic(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	fn(e)
}

// ListenerCount returns the number of listeners registered for topic.
func (b *Bus) ListenerCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.listeners[topic])
}

// Subscribe registers a typed listener for the topic of E.
func Subscribe[E Event](b *Bus, fn func(E)) (off func()) {
	var zero E

	return b.On(zero.Topic(), func(e Event) {
		if typed, ok := e.(E); ok {
			fn(typed)
		}
	})
}
