package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/logger"
)

// DefaultBufferSize is the per-subscriber event buffer used when no size
// is given.
const DefaultBufferSize = 256

// MemoryEventBus implements EventBus with in-process channels.
type MemoryEventBus struct {
	mu         sync.RWMutex
	topics     map[string][]*memorySubscription
	bufferSize int
	logger     *logger.Logger
	closed     bool
}

type memorySubscription struct {
	bus       *MemoryEventBus
	sessionID string
	// ch has capacity bufferSize+1: the extra slot is reserved for the
	// final slow-consumer event so the drop is always observable.
	ch       chan *Event
	capacity int

	mu     sync.Mutex
	closed bool
	err    error
}

// NewMemoryEventBus creates an in-memory bus with the given per-subscriber
// buffer size. Sizes below 1 fall back to DefaultBufferSize.
func NewMemoryEventBus(bufferSize int, log *logger.Logger) *MemoryEventBus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryEventBus{
		topics:     make(map[string][]*memorySubscription),
		bufferSize: bufferSize,
		logger:     log,
	}
}

// Publish delivers the event to every subscriber of the session topic.
// Never blocks: a subscriber whose buffer is full is dropped.
func (b *MemoryEventBus) Publish(_ context.Context, sessionID string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := b.topics[sessionID]
	// Copy so dropSlow can mutate the topic list without racing the loop.
	snapshot := make([]*memorySubscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.deliver(event)
	}

	b.logger.Debug("published event",
		zap.String("session_id", sessionID),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(snapshot)))
	return nil
}

// Subscribe opens a buffered subscription to the session topic.
func (b *MemoryEventBus) Subscribe(sessionID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan *Event, b.bufferSize+1),
		capacity:  b.bufferSize,
	}
	b.topics[sessionID] = append(b.topics[sessionID], sub)

	b.logger.Debug("subscribed to session", zap.String("session_id", sessionID))
	return sub, nil
}

// Close shuts down the bus and closes every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.close(nil)
		}
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.sessionID]) == 0 {
		delete(b.topics, sub.sessionID)
	}
}

// deliver enqueues the event, or drops the subscriber on overflow.
func (s *memorySubscription) deliver(event *Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ch) >= s.capacity {
		// Overflow: the reserved slot guarantees the final event fits.
		s.ch <- NewEvent(EventSlowConsumer, s.sessionID, map[string]string{
			"error": "subscriber too slow, dropping",
		})
		s.closed = true
		s.err = ErrSlowConsumer
		close(s.ch)
		s.mu.Unlock()

		s.bus.remove(s)
		s.bus.logger.Warn("dropped slow subscriber",
			zap.String("session_id", s.sessionID))
		return
	}
	s.ch <- event
	s.mu.Unlock()
}

func (s *memorySubscription) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	s.mu.Unlock()
}

// Events returns the subscription's event channel.
func (s *memorySubscription) Events() <-chan *Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *memorySubscription) Unsubscribe() {
	s.bus.remove(s)
	s.close(nil)
}

// Err reports why the subscription ended; nil after a clean Unsubscribe.
func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
