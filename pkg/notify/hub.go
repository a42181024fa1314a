// Package notify streams detections to websocket clients.
//
// A [Hub] is an http.Handler: every connection that upgrades is
// registered as a client with a bounded send queue. Publish encodes a
// message once and queues it on every client without blocking; a client
// whose queue is full is disconnected rather than slowing the others.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Options configures a Hub.
type Options struct {
	// QueueSize is the per-client backlog; default 16.
	QueueSize int
	// WriteTimeout bounds one websocket write; default 5s.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period; default 30s.
	PingInterval time.Duration
	// CheckOrigin is passed to the upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	addr string
}

// Hub fans messages out to connected websocket clients.
type Hub struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	sent, dropped atomic.Int64
}

// NewHub returns a Hub with no clients.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		opts:     opts,
		log:      log.With("component", "notify"),
		upgrader: websocket.Upgrader{CheckOrigin: check},
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("notify: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.opts.QueueSize), addr: r.RemoteAddr}
	if !h.add(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.opts.WriteTimeout))
		conn.Close()
		return
	}
	h.log.Info("notify: client connected", "remote", c.addr)
	go h.write(c)

	// clients only listen; reading is needed to see the close
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.log.Info("notify: client disconnected", "remote", c.addr)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove unregisters c and stops its writer. It is safe to call twice.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) write(c *client) {
	ping := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("notify: write failed", "remote", c.addr, "error", err)
				h.remove(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Publish sends v, encoded as JSON, to every client. Clients that cannot
// keep up are dropped.
func (h *Hub) Publish(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			h.log.Warn("notify: dropping slow client", "remote", c.addr)
			h.removeLocked(c)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many clients were disconnected for falling behind.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Sent returns how many messages were queued to clients.
func (h *Hub) Sent() int64 { return h.sent.Load() }

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}
