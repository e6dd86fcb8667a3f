package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/message"
)

// handleStream serves the session's live event feed over SSE.
//
// The subscription is opened before the catch-up query so no event can be
// missed in between; message events already delivered during catch-up are
// deduplicated by message id. The stream ends with the session-done event,
// or with an error event when the subscriber is dropped for falling behind.
func (s *Server) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.respondError(c, apperrors.Internal("streaming unsupported", nil))
		return
	}

	sub, err := s.bus.Subscribe(sess.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	log := s.logger.WithFields(zap.String("session_id", sess.ID))

	// Hello frame with the session snapshot.
	writeSSE(c.Writer, "hello", 0, mustJSON(sess))
	flusher.Flush()

	// Catch-up from the store; seen ids suppress duplicates from the live
	// feed below.
	seen := make(map[string]bool)
	cursor := c.Query("after")
	for {
		page, _, err := s.messages.GetMessages(ctx, message.GetParams{
			SessionID: sess.ID,
			After:     cursor,
		})
		if err != nil {
			log.Warn("catch-up query failed", zap.Error(err))
			break
		}
		for _, msg := range page.Messages {
			seen[msg.ID] = true
			ev := bus.NewEvent(bus.EventMessageAppended, sess.ID, msg)
			ev.ID = msg.ID
			ev.Ordinal = msg.Ordinal
			writeSSE(c.Writer, ev.Type, ev.Ordinal, mustJSON(ev))
		}
		flusher.Flush()
		if !page.Pagination.HasNextPage || page.Pagination.NextCursor == nil {
			break
		}
		cursor = *page.Pagination.NextCursor
	}

	heartbeat := newHeartbeat(s.cfg.HeartbeatIntervalDuration())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ":keep-alive\n\n")
			flusher.Flush()

		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Err() != nil {
					log.Warn("subscriber dropped", zap.Error(sub.Err()))
					writeSSE(c.Writer, bus.EventError, 0,
						mustJSON(map[string]string{"error": sub.Err().Error()}))
					flusher.Flush()
				}
				return
			}
			if ev.Type == bus.EventMessageAppended && seen[ev.ID] {
				continue
			}
			writeSSE(c.Writer, ev.Type, ev.Ordinal, mustJSON(ev))
			flusher.Flush()
			if ev.Type == bus.EventSessionDone {
				// Closing frame so clients can distinguish a finished
				// stream from a dropped connection.
				writeSSE(c.Writer, "done", 0, mustJSON(map[string]string{"sessionId": sess.ID}))
				flusher.Flush()
				return
			}
		}
	}
}

// writeSSE emits one frame. The id field carries the message ordinal so
// clients can resume with Last-Event-ID semantics.
func writeSSE(w gin.ResponseWriter, event string, ordinal int64, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	if ordinal > 0 {
		fmt.Fprintf(w, "id: %d\n", ordinal)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func newHeartbeat(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		interval = 25 * time.Second
	}
	return time.NewTicker(interval)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return b
}
