package alerting

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/logger"
)

// Event is a state-change notification published on the Bus. Every
// mutation in the system (rules, alerts, incidents, channels) emits one.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

const subscriberBuffer = 64

type subscriber struct {
	id    uint64
	types map[string]struct{} // nil means all types
	ch    chan Event
}

func (s *subscriber) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus is an in-process publish/subscribe fan-out for Events. Delivery is
// asynchronous: Publish never blocks, and a subscriber that falls behind
// its buffer loses events rather than stalling publishers.
type Bus struct {
	log logger.Logger

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool
	dropped     atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(log logger.Logger) *Bus {
	return &Bus{
		log:         log.With(logger.String("component", "event_bus")),
		subscribers: make(map[uint64]*subscriber),
	}
}

// Subscribe registers interest in the given event types (all types when
// none are given). It returns a receive channel and an unsubscribe
// function; calling unsubscribe closes the channel. Unsubscribe is
// idempotent.
func (b *Bus) Subscribe(types ...string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[sub.id]; ok {
				delete(b.subscribers, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, unsubscribe
}

// Publish emits an event to all matching subscribers. subject is the id
// of the entity the event concerns and is carried in Data under "id".
func (b *Bus) Publish(eventType, source, subject string, data map[string]any) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
	if subject != "" {
		if event.Data == nil {
			event.Data = make(map[string]any, 1)
		}
		event.Data["id"] = subject
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped := b.dropped.Add(1)
			if dropped%100 == 1 {
				b.log.Warn("subscriber buffer full, event dropped",
					logger.String("event_type", eventType),
					logger.Uint64("total_dropped", dropped))
			}
		}
	}
}

// Dropped returns the total number of events dropped due to full
// subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Stop closes all subscriber channels. Publish and Subscribe become
// no-ops afterwards.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
