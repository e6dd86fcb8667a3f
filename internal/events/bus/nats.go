package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/logger"
)

// NATSEventBus implements EventBus over a NATS connection. Used when
// natsUrl is configured; the daemon otherwise runs on the in-memory bus.
type NATSEventBus struct {
	conn       *nats.Conn
	bufferSize int
	logger     *logger.Logger
}

// New selects the bus implementation: NATS when natsURL is set, otherwise
// the in-memory bus.
func New(natsURL string, bufferSize int, log *logger.Logger) (EventBus, error) {
	if natsURL == "" {
		return NewMemoryEventBus(bufferSize, log), nil
	}
	return NewNATSEventBus(natsURL, bufferSize, log)
}

// NewNATSEventBus connects to the given NATS server.
func NewNATSEventBus(natsURL string, bufferSize int, log *logger.Logger) (*NATSEventBus, error) {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("pokecode"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	log.Info("connected to NATS", zap.String("url", natsURL))
	return &NATSEventBus{conn: conn, bufferSize: bufferSize, logger: log}, nil
}

func sessionSubject(sessionID string) string {
	return "pokecode.session." + sessionID + ".events"
}

// Publish sends the event on the session subject.
func (b *NATSEventBus) Publish(_ context.Context, sessionID string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(sessionSubject(sessionID), payload); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe opens a buffered subscription to the session subject. Decode
// errors are logged and the frame skipped.
func (b *NATSEventBus) Subscribe(sessionID string) (Subscription, error) {
	sub := &natsSubscription{
		ch:  make(chan *Event, b.bufferSize+1),
		cap: b.bufferSize,
		log: b.logger,
	}

	nsub, err := b.conn.Subscribe(sessionSubject(sessionID), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping undecodable event",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		sub.deliver(&event, sessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", sessionID, err)
	}
	sub.nsub = nsub
	return sub, nil
}

// Close drains and closes the NATS connection.
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS event bus closed")
}

// IsConnected reports the connection state.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	nsub *nats.Subscription
	ch   chan *Event
	cap  int
	log  *logger.Logger

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *natsSubscription) deliver(event *Event, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.ch) >= s.cap {
		s.ch <- NewEvent(EventSlowConsumer, sessionID, map[string]string{
			"error": "subscriber too slow, dropping",
		})
		s.closed = true
		s.err = ErrSlowConsumer
		close(s.ch)
		_ = s.nsub.Unsubscribe()
		s.log.Warn("dropped slow subscriber", zap.String("session_id", sessionID))
		return
	}
	s.ch <- event
}

func (s *natsSubscription) Events() <-chan *Event { return s.ch }

func (s *natsSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	_ = s.nsub.Unsubscribe()
}

func (s *natsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
