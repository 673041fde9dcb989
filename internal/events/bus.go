package events

import (
	"sync"

	"fpf-engine/internal/logging"
)

// Topic names published on the bus.
const (
	TopicMarketCandle   = "market.candle"
	TopicLevelsUpdate   = "levels.update"
	TopicSignalDetected = "signal.detected"
	TopicUISignal       = "ui.signal"
	TopicSignalOutcome  = "signal.outcome"
)

// Handler processes a published payload.
type Handler func(payload interface{})

// Bus is a synchronous in-process pub/sub hub. Handlers run inline on the
// publisher's goroutine in registration order, so a subscriber observing a
// candle sees state exactly as of that candle.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	log         *logging.Logger
}

// NewBus creates an event bus.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		subscribers: make(map[string][]Handler),
		log:         log.WithComponent("events"),
	}
}

// Subscribe registers a handler for a topic. Handlers are invoked in
// registration order.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// SubscriberCount returns the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Publish delivers payload to every subscriber of topic, synchronously.
// A panicking handler is recovered and logged so the remaining handlers
// still run.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(topic, h, payload)
	}
}

func (b *Bus) invoke(topic string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", "topic", topic, "panic", r)
		}
	}()
	h(payload)
}
