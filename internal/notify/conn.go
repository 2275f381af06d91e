package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/observability"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
)

// FrameHandler handles one client frame. Returning an error logs it and
// keeps the connection open.
type FrameHandler func(ctx context.Context, c *Conn, event string, data json.RawMessage) error

// Conn is one websocket session. Writes go through a buffered channel
// drained by a single writer goroutine, so frames reach the client in the
// order they were queued.
type Conn struct {
	id       string
	identity string
	role     string
	ws       *websocket.Conn
	hub      *Hub
	logger   *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewConn(ws *websocket.Conn, hub *Hub, identity, role string, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		identity: identity,
		role:     role,
		ws:       ws,
		hub:      hub,
		logger:   logger.With("conn_id", id),
		send:     make(chan []byte, sendBuffer),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) Identity() string { return c.identity }
func (c *Conn) Role() string     { return c.role }

func (c *Conn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// SendEvent queues a single event for this connection only.
func (c *Conn) SendEvent(event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	b, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return false
	}
	return c.Send(b)
}

// Serve runs the session until the client goes away or ctx is done. The
// connection is removed from every room before Serve returns.
func (c *Conn) Serve(ctx context.Context, handle FrameHandler) {
	observability.LiveConnections.Inc()
	defer observability.LiveConnections.Dec()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()

	c.readPump(ctx, handle)
	cancel()
	c.hub.Remove(c.id)
	c.close()
	<-done
	_ = c.ws.Close()
	c.logger.Info("websocket closed", "identity", c.identity)
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readPump(ctx context.Context, handle FrameHandler) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read", "error", err)
			}
			return
		}
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("bad client frame", "error", err)
			continue
		}
		if handle == nil {
			continue
		}
		if err := handle(ctx, c, msg.Event, msg.Data); err != nil {
			c.logger.Warn("client frame rejected", "event", msg.Event, "error", err)
			c.SendEvent("error", map[string]string{"event": msg.Event, "error": err.Error()})
		}
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.ws.Close()
			return
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write", "error", err)
				// unblock readPump
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}
