package eventlog

import "sync"

// Handler receives a published Event.
type Handler func(Event)

// Bus is an in-process publish/subscribe hub: Subscribe(eventType,
// handler) returns an unsubscribe func, and Publish(event) fans out
// synchronously to every matching handler.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]*subscription
	all      []*subscription
	seq      uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType][]*subscription)}
}

// Subscribe registers handler for eventType and returns a function that
// removes the registration. Handlers run synchronously on Publish's
// goroutine; slow handlers should hand work off to their own goroutine.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &subscription{id: b.seq, handler: handler}
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	return func() { b.unsubscribe(eventType, sub.id) }
}

// SubscribeAll registers handler for every event type published on this
// bus, used by the NDJSON writer and the EventLog streaming channel.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &subscription{id: b.seq, handler: handler}
	b.all = append(b.all, sub)
	return func() { b.unsubscribeAll(sub.id) }
}

func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.all {
		if s.id == id {
			b.all = append(b.all[:i], b.all[i+1:]...)
			return
		}
	}
}

// Publish fans event out to every handler subscribed to its EventType
// and every handler subscribed via SubscribeAll.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	typed := append([]*subscription(nil), b.handlers[event.EventType]...)
	all := append([]*subscription(nil), b.all...)
	b.mu.RUnlock()

	for _, s := range typed {
		s.handler(event)
	}
	for _, s := range all {
		s.handler(event)
	}
}
