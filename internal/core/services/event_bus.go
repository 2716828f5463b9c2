package services

import (
	"slices"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventBus is the in-process observer surface. Each component receives the
// bus at construction; delivery is synchronous and happens outside the lock,
// so handlers may publish or subscribe themselves.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[uint64]func(domain.Event)
	nextID   uint64

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewEventBus(logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		handlers: make(map[uint64]func(domain.Event)),
		clock:    clock.Real{},
		logger:   logger,
	}
}

// Subscribe registers handler and returns a func that removes it.
func (b *EventBus) Subscribe(handler func(domain.Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish stamps missing id/timestamp fields and delivers the event to every
// subscriber in registration order. A panicking handler is logged and skipped.
func (b *EventBus) Publish(event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	handlers := make([]func(domain.Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *EventBus) deliver(handler func(domain.Event), event domain.Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Errorw("event handler panicked",
				"type", event.Type,
				"panic", r,
			)
		}
	}()
	handler(event)
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// publisherOrNop keeps components usable without a bus in tests.
func publisherOrNop(p ports.EventPublisher) ports.EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
