package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryEventBus(16, testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ev := NewEvent(EventMessageAppended, "s1", map[string]int{"n": i})
		require.NoError(t, b.Publish(context.Background(), "s1", ev))
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventMessageAppended, ev.Type)
			assert.Contains(t, string(ev.Data), fmt.Sprintf(`"n":%d`, i))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	b := NewMemoryEventBus(16, testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("s1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "s2", NewEvent(EventError, "s2", nil)))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %q on other session's topic", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusDropsSlowConsumer(t *testing.T) {
	b := NewMemoryEventBus(4, testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("s1")
	require.NoError(t, err)

	// Fill the buffer without draining, then overflow.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "s1", NewEvent(EventMessageAppended, "s1", nil)))
	}

	var received []*Event
	for ev := range sub.Events() {
		received = append(received, ev)
	}

	// 4 buffered events plus the final slow-consumer marker.
	require.Len(t, received, 5)
	assert.Equal(t, EventSlowConsumer, received[len(received)-1].Type)
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)

	// Dropped subscriber no longer counts as a topic member.
	require.NoError(t, b.Publish(context.Background(), "s1", NewEvent(EventError, "s1", nil)))
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(16, testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("s1")
	require.NoError(t, err)
	sub.Unsubscribe()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Err())

	require.NoError(t, b.Publish(context.Background(), "s1", NewEvent(EventError, "s1", nil)))
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(16, testLogger(t))

	sub, err := b.Subscribe("s1")
	require.NoError(t, err)

	b.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.False(t, b.IsConnected())

	err = b.Publish(context.Background(), "s1", NewEvent(EventError, "s1", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("s2")
	assert.Error(t, err)
}

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryEventBus(16, testLogger(t))
	defer b.Close()

	sub1, err := b.Subscribe("s1")
	require.NoError(t, err)
	sub2, err := b.Subscribe("s1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "s1", NewEvent(EventSessionDone, "s1", SessionDonePayload{Status: "completed"})))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventSessionDone, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}
