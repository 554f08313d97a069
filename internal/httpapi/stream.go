package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ajfrai/agent-queue/internal/events/bus"
)

// streamBuffer bounds the per-client event queue. Slow clients drop
// events rather than stalling the bus.
const streamBuffer = 256

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscribeAll attaches a buffered channel to every bus subject.
func (s *Server) subscribeAll() (<-chan *bus.Event, func(), error) {
	ch := make(chan *bus.Event, streamBuffer)
	sub, err := s.bus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		select {
		case ch <- event:
		default:
			// Client is not keeping up; the event log in the store
			// remains the source of truth.
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { _ = sub.Unsubscribe() }, nil
}

// GET /api/events/stream
//
// Mirrors the event bus to the client as SSE. Each event is one
// "event:"/"data:" pair with the JSON-encoded bus event as payload.
func (s *Server) streamEvents(c *gin.Context) {
	ch, cancel, err := s.subscribeAll()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := c.Writer.WriteString("event: " + event.Type + "\ndata: " + string(data) + "\n\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// GET /ws
//
// Mirrors the event bus over a WebSocket. Inbound messages are read and
// discarded; they only serve to detect disconnects.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ch, cancel, err := s.subscribeAll()
	if err != nil {
		s.logger.Warn("websocket subscribe failed", zap.Error(err))
		return
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
