// Package bus fans server-side events out to subscribers, decoupling the
// dispatch engine from WebSocket delivery.
package bus

import "sync"

// Hub is an in-process EventPublisher. Handlers run synchronously on the
// broadcasting goroutine and must not block.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (h *Hub) Subscribe(id string, handler EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
}

// Broadcast delivers the event to every subscriber.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	handlers := make([]EventHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(event)
	}
}

var _ EventPublisher = (*Hub)(nil)
