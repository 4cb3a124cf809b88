// Package ws is the WebSocket transport: one Client per browser tab, and a
// Hub that owns the connection table.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler receives every inbound frame and the end of every connection.
type Handler interface {
	HandleFrame(ctx context.Context, connID string, frame []byte)
	Disconnected(ctx context.Context, connID string)
}

// Hub maintains the set of live clients. It implements router.ConnSender.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	handler  Handler
	upgrader websocket.Upgrader
	log      *slog.Logger
}

type Options struct {
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows
	// any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

func NewHub(handler Handler, opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients: make(map[string]*Client),
		handler: handler,
		log:     log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(opts.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(opts.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// SetHandler wires the handler after construction, for when the handler
// itself needs the hub.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// Send queues frame for connID. A connection whose buffer is full is dropped.
func (h *Hub) Send(connID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	sent, full := c.trySend(frame)
	if full {
		h.log.Warn("send buffer full, dropping connection", slog.String("conn_id", connID))
		h.remove(c)
		c.close()
	}
	return sent
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// Len reports how many connections are open.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection. Each read pump then runs its disconnect path.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
		c.conn.Close()
	}
}

// ServeWs upgrades the request and starts the client's pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", slog.Any("err", err))
		return
	}
	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.add(client)
	h.log.Debug("connection opened", slog.String("conn_id", client.id), slog.String("remote", r.RemoteAddr))

	// The request context ends when ServeWs returns, so the pumps get their own.
	go client.writePump()
	go client.readPump(context.WithoutCancel(r.Context()))
}
