// Package eventbus is the typed in-process pub/sub between edge components.
//
// Publishing never blocks on storage and never happens while a component
// mutex is held; handlers run sequentially on the publisher's goroutine in
// priority order. Handler errors are logged and do not stop the chain.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Handler processes events on the bus. Handlers are called in priority order
// (lower value first) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event. Returning an error logs a warning but
	// does not stop the handler chain.
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	logger   *zap.Logger
}

// New creates a new event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("eventbus")}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Publish call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish sends an event to all registered handlers that handle its type.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Warn("handler error",
				zap.String("handler", h.ID()),
				zap.String("event", string(event.Type)),
				zap.Error(err))
		}
	}
	return nil
}

// Handlers returns all registered handlers (for status reporting).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers for the given event type sorted by
// priority. Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// funcHandler adapts a plain function to the Handler interface.
type funcHandler struct {
	id       string
	handles  []EventType
	priority int
	fn       func(ctx context.Context, event *Event) error
}

func (h *funcHandler) ID() string            { return h.id }
func (h *funcHandler) Handles() []EventType  { return h.handles }
func (h *funcHandler) Priority() int         { return h.priority }
func (h *funcHandler) Handle(ctx context.Context, event *Event) error {
	return h.fn(ctx, event)
}

// Subscribe registers fn for the given event types at default priority.
func (b *Bus) Subscribe(id string, fn func(ctx context.Context, event *Event) error, events ...EventType) {
	b.Register(&funcHandler{id: id, handles: events, priority: 100, fn: fn})
}
