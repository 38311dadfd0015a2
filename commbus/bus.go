package commbus

import (
	"context"
	"errors"
	"sync"

	"github.com/guardkit/agentbridge/coreengine/logging"
)

// HandlerFunc handles a published event.
type HandlerFunc func(ctx context.Context, event Event) error

// Middleware intercepts events around delivery.
//
// Before may replace the event, or return nil to drop it.
// After sees the joined subscriber error and may replace it.
type Middleware interface {
	Before(ctx context.Context, event Event) (Event, error)
	After(ctx context.Context, event Event, err error) error
}

// Publisher is the side of the bus the orchestrator depends on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a Publisher that also accepts subscriptions.
type Bus interface {
	Publisher
	Subscribe(eventName string, handler HandlerFunc) (func(), error)
	SubscribeAll(handler HandlerFunc) (func(), error)
	AddMiddleware(middleware Middleware)
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// allEvents is the subscription key for SubscribeAll.
const allEvents = "*"

// InMemoryBus delivers events synchronously, in subscription order.
//
// Usage:
//
//	bus := NewInMemoryBus(logger)
//	unsubscribe, _ := bus.Subscribe(EventRunSuspended, notify)
//	defer unsubscribe()
//	_ = bus.Publish(ctx, &RunSuspended{...})
type InMemoryBus struct {
	subscribers map[string][]subscription
	middleware  []Middleware
	nextID      uint64
	logger      logging.Logger
	mu          sync.RWMutex
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus(logger logging.Logger) *InMemoryBus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &InMemoryBus{
		subscribers: make(map[string][]subscription),
		middleware:  make([]Middleware, 0),
		logger:      logger,
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers event to its subscribers, then to wildcard subscribers.
// Every subscriber runs even if an earlier one fails; failures are joined.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return NewInvalidEventError("event is nil")
	}

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("event_dropped", "event", event.EventName())
		return nil
	}

	name := processed.EventName()
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscribers[name])+len(b.subscribers[allEvents]))
	subs = append(subs, b.subscribers[name]...)
	subs = append(subs, b.subscribers[allEvents]...)
	b.mu.RUnlock()

	var errs []error
	for i, sub := range subs {
		if err := sub.handler(ctx, processed); err != nil {
			errs = append(errs, NewSubscriberError(name, i, err))
		}
	}

	return b.runMiddlewareAfter(ctx, processed, errors.Join(errs...))
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe registers handler for one event name.
// The returned function removes exactly this subscription.
func (b *InMemoryBus) Subscribe(eventName string, handler HandlerFunc) (func(), error) {
	if eventName == "" {
		return nil, NewInvalidEventError("event name is required")
	}
	if handler == nil {
		return nil, NewInvalidEventError("handler is required")
	}
	return b.add(eventName, handler), nil
}

// SubscribeAll registers handler for every event.
func (b *InMemoryBus) SubscribeAll(handler HandlerFunc) (func(), error) {
	if handler == nil {
		return nil, NewInvalidEventError("handler is required")
	}
	return b.add(allEvents, handler), nil
}

func (b *InMemoryBus) add(key string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[key] = append(b.subscribers[key], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[key]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// AddMiddleware adds middleware to the bus.
// Before hooks run in registration order, After hooks in reverse.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// SubscriberCount returns the number of handlers registered for eventName,
// not counting wildcard subscribers.
func (b *InMemoryBus) SubscriberCount(eventName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventName])
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

func (b *InMemoryBus) runMiddlewareBefore(ctx context.Context, event Event) (Event, error) {
	current := event
	for _, mw := range b.middlewareSnapshot() {
		next, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

func (b *InMemoryBus) runMiddlewareAfter(ctx context.Context, event Event, err error) error {
	mws := b.middlewareSnapshot()
	for i := len(mws) - 1; i >= 0; i-- {
		err = mws[i].After(ctx, event, err)
	}
	return err
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Ensure InMemoryBus implements Bus.
var _ Bus = (*InMemoryBus)(nil)
