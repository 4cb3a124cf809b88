package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 << 10            // Maximum message size allowed from peer.
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection (one browser tab)
// and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// mu guards send against a close racing a write from the router.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *Client) ID() string { return c.id }

// trySend queues frame without blocking. A full buffer means the peer is not
// keeping up; the caller drops the connection.
func (c *Client) trySend(frame []byte) (ok, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.send <- frame:
		return true, false
	default:
		return false, true
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the handler. It
// owns the connection's lifetime: when it returns the client is gone.
func (c *Client) readPump(ctx context.Context) {
	log := c.hub.log.With(slog.String("conn_id", c.id))
	defer func() {
		c.hub.remove(c)
		c.hub.handler.Disconnected(ctx, c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("read failed", slog.Any("err", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.handler.HandleFrame(ctx, c.id, message)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
// Every frame is its own websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
