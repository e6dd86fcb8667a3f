package server

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/events/bus"
)

func TestStreamCatchUpAndLiveEvents(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)
	ctx := context.Background()

	first, err := ts.messages.SaveUserMessage(ctx, sess.ID, "first")
	require.NoError(t, err)
	second, err := ts.messages.SaveUserMessage(ctx, sess.ID, "second")
	require.NoError(t, err)

	httpSrv := httptest.NewServer(ts.srv.Router())
	t.Cleanup(httpSrv.Close)

	resp, err := http.Get(httpSrv.URL + "/api/v1/sessions/" + sess.ID + "/stream")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// Hello frame arrives first; once seen, the server-side subscription is
	// already open.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: hello\n", line)

	// A duplicate of an already-caught-up message must be suppressed; a new
	// live message and the final done event must come through.
	dup := bus.NewEvent(bus.EventMessageAppended, sess.ID, map[string]string{"text": "dup"})
	dup.ID = first.ID
	dup.Ordinal = first.Ordinal
	require.NoError(t, ts.bus.Publish(ctx, sess.ID, dup))

	live, err := ts.messages.SaveUserMessage(ctx, sess.ID, "live one")
	require.NoError(t, err)

	done := bus.NewEvent(bus.EventSessionDone, sess.ID, bus.SessionDonePayload{Status: "completed"})
	require.NoError(t, ts.bus.Publish(ctx, sess.ID, done))

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	body := string(rest)

	assert.Contains(t, body, first.ID)
	assert.Contains(t, body, second.ID)
	assert.Contains(t, body, live.ID)
	assert.Contains(t, body, "event: session-done")
	// A closing done frame follows session-done.
	assert.Contains(t, body, "event: done")
	// The duplicate event was suppressed; its payload never reaches the
	// client.
	assert.NotContains(t, body, `"text":"dup"`)
	// Catch-up frames carry the ordinal as the SSE id.
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\n")
}

func TestStreamUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.srv.Router())
	t.Cleanup(httpSrv.Close)

	resp, err := http.Get(httpSrv.URL + "/api/v1/sessions/missing/stream")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)
	ctx := context.Background()

	httpSrv := httptest.NewServer(ts.srv.Router())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/sessions/" + sess.ID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello bus.Event
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, sess.ID, hello.SessionID)

	msg, err := ts.messages.SaveUserMessage(ctx, sess.ID, "over websocket")
	require.NoError(t, err)

	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.EventMessageAppended, ev.Type)
	assert.Equal(t, msg.ID, ev.ID)

	done := bus.NewEvent(bus.EventSessionDone, sess.ID, bus.SessionDonePayload{Status: "completed"})
	require.NoError(t, ts.bus.Publish(ctx, sess.ID, done))

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.EventSessionDone, ev.Type)

	// The server closes after session-done.
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
