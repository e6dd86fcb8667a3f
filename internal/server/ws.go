package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/events/bus"
)

func pingDeadline() time.Time {
	return time.Now().Add(10 * time.Second)
}

// handleWS serves the same session event feed as the SSE endpoint over a
// WebSocket, for clients that cannot hold an EventSource open. Events are
// sent as JSON text frames; incoming frames are read only to detect close.
func (s *Server) handleWS(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	sub, err := s.bus.Subscribe(sess.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(zap.String("session_id", sess.ID))

	// Reader goroutine: consume control frames and unblock on close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello := bus.NewEvent("hello", sess.ID, sess)
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	heartbeat := newHeartbeat(s.cfg.HeartbeatIntervalDuration())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return

		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, pingDeadline()); err != nil {
				return
			}

		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Err() != nil {
					log.Warn("subscriber dropped", zap.Error(sub.Err()))
				}
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == bus.EventSessionDone {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session done"),
					pingDeadline())
				return
			}
		}
	}
}
