package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-signal/internal/protocol"
)

const (
	writeWait     = 10 * time.Second
	inboundBuffer = 64
)

// Conn is one websocket connection to the signaling server. Inbound frames
// are decoded into envelopes and delivered in order on a single channel.
type Conn struct {
	ws *websocket.Conn

	wmu sync.Mutex // gorilla allows one concurrent writer

	in   chan protocol.Envelope
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Conn{
		ws:   ws,
		in:   make(chan protocol.Envelope, inboundBuffer),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Inbound is closed when the connection drops; Err then says why.
func (c *Conn) Inbound() <-chan protocol.Envelope { return c.in }

func (c *Conn) Send(msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.in)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case c.in <- env:
		case <-c.done:
			return
		}
	}
}
