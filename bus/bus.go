// Package bus provides the in-process event bus that wires platform
// adapters, plugins, and the admin surface together. The bus is constructed
// once in cmd/koto and handed to every consumer explicitly.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a named payload delivered to subscribers. ID is unique per
// publish so observers tailing the bus can correlate and dedupe.
type Event struct {
	ID        string
	Name      string
	Data      map[string]any
	Source    string
	Timestamp time.Time
}

// Handler processes one event. Handlers run synchronously in publish order.
type Handler func(Event)

// Bus is a synchronous publish/subscribe broker.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]Handler
	allHandlers []Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers a handler for every event. Used by the admin
// event tail and by logging observers.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, h)
}

// Publish delivers an event to all matching handlers. A panicking handler
// is recovered and logged so one subscriber cannot stall dispatch.
func (b *Bus) Publish(name string, data map[string]any, source string) {
	ev := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Data:      data,
		Source:    source,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[name])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[name]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BUS] handler panic on %s: %v", ev.Name, r)
		}
	}()
	h(ev)
}
