// Package eventbus provides the in-process implementation of domain.EventBus.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/logger"
)

// InProcessEventBus dispatches events synchronously on the publisher's
// goroutine. Handlers must be quick; slow consumers should hand off to their
// own goroutine. A panicking handler is logged and skipped.
type InProcessEventBus struct {
	handlers    map[domain.EventType][]domain.EventHandler
	allHandlers []domain.EventHandler
	mu          sync.RWMutex
	closed      bool

	published uint64
	panics    uint64
}

// New creates a new in-process event bus.
func New() *InProcessEventBus {
	return &InProcessEventBus{
		handlers: make(map[domain.EventType][]domain.EventHandler),
	}
}

// Publish dispatches an event to all matching handlers.
// Handlers for the specific event type are called first, then global handlers.
func (b *InProcessEventBus) Publish(event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	typed := append([]domain.EventHandler(nil), b.handlers[event.EventType()]...)
	global := append([]domain.EventHandler(nil), b.allHandlers...)
	b.mu.RUnlock()

	for _, handler := range typed {
		b.call(handler, event)
	}
	for _, handler := range global {
		b.call(handler, event)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()
}

func (b *InProcessEventBus) call(handler domain.EventHandler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.panics++
			b.mu.Unlock()
			logger.ErrorCF("eventbus", "Event handler panicked", map[string]interface{}{
				"event": string(event.EventType()),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	handler(event)
}

// Subscribe registers a handler for a specific event type.
func (b *InProcessEventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InProcessEventBus) SubscribeAll(handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. No more events will be dispatched.
func (b *InProcessEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
}

// Stats returns handler and delivery counters for diagnostics.
func (b *InProcessEventBus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allHandlers)
	for _, handlers := range b.handlers {
		count += len(handlers)
	}
	return map[string]interface{}{
		"handlers":  count,
		"published": b.published,
		"panics":    b.panics,
	}
}

// Verify interface compliance at compile time.
var _ domain.EventBus = (*InProcessEventBus)(nil)
