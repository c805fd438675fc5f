package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gollum18/senslify-web/internal/logging"
	"github.com/gollum18/senslify-web/internal/rooms"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// clientIDCounter hands out unique ids so registry membership does not
// depend on comparable connection values.
var clientIDCounter atomic.Uint64

// Conn is what a session needs from its transport: registry membership
// plus a way to push replies back to the viewer.
type Conn interface {
	rooms.Member
	Reply(payload any) bool
}

// Client bridges one websocket connection and its session. Broadcast
// frames and command replies share the same bounded send queue so ordering
// toward the viewer is preserved.
type Client struct {
	id   uint64
	conn *websocket.Conn
	send chan any

	closeOnce  sync.Once
	done       chan struct{}
	closeFrame atomic.Pointer[[]byte]
}

// NewClient wraps conn for use by a session.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		conn: conn,
		send: make(chan any, sendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 { return c.id }

// Deliver enqueues a broadcast frame. It never blocks: a full queue drops
// the frame and reports false.
func (c *Client) Deliver(message rooms.ReadingMessage) bool {
	return c.enqueue(message)
}

// Reply enqueues a command reply, reporting false when the queue is full.
func (c *Client) Reply(payload any) bool {
	return c.enqueue(payload)
}

func (c *Client) enqueue(payload any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close signals shutdown; the write pump flushes the close frame and then
// closes the underlying connection.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// CloseGoingAway tells the viewer the server is shutting down, then closes
// the connection. The frame is written by the write pump so it never races
// an in-flight write.
func (c *Client) CloseGoingAway() {
	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	c.closeFrame.Store(&frame)
	c.close()
}

// Serve runs the read and write pumps for one viewer connection. It blocks
// until the viewer closes, the transport errors, or ctx is cancelled, and
// always tears the session down before returning.
func Serve(ctx context.Context, conn *websocket.Conn, session *Session) {
	client, ok := session.conn.(*Client)
	if !ok || client.conn != conn {
		logging.Error().Msg("session transport does not match connection")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump(ctx, session)
}

// readPump decodes inbound frames and feeds them to the session until the
// session closes or the transport fails. Teardown always runs, so a viewer
// that vanishes mid-command still leaves its room.
func (c *Client) readPump(ctx context.Context, session *Session) {
	defer func() {
		session.Teardown()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("client", c.id).Msg("unexpected websocket close")
			}
			return
		}
		if session.Handle(ctx, data) {
			return
		}
	}
}

// writePump serializes queued payloads onto the connection and keeps the
// viewer alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			frame := []byte{}
			if stored := c.closeFrame.Load(); stored != nil {
				frame = *stored
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, frame)
			return

		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(payload); err != nil {
				logging.Warn().Err(err).Uint64("client", c.id).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
