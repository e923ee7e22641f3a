// Package relay fans inbound reply events out to live dashboard clients.
//
// Each observer holds one WebSocket connection and declares the bot it is
// watching with an init message. Delivery is best-effort: there is no
// replay for late joiners (history reads cover that), and a client that
// cannot keep up with its send buffer is dropped rather than allowed to
// stall the broadcast.
//
// Wire format
//
// Every frame is an Envelope {type, data?, timestamp}. The server sends
// "connection" on connect, "pong" in answer to a client "ping", and
// "message" for each inbound reply matching the client's declared bot.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"herald/internal/domain"
)

const (
	TypeConnection = "connection"
	TypeInit       = "init"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeMessage    = "message"
)

// Envelope is the frame format on the realtime channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// initPayload is the client→server data of an init frame.
type initPayload struct {
	BotID string `json:"botId"`
}

type Config struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// IdleTimeout drops connections with no inbound traffic (pings count).
	IdleTimeout time.Duration
}

const (
	maxFrameSize  = 4 * 1024
	sendQueueSize = 32
)

type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu  sync.Mutex
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func NewHub(cfg Config, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:     log.With(slog.String("comp", "relay")),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is same-origin in production but served from a
			// dev server during development; origin policy is left to the
			// deployment in front of herald.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.Apply(cfg)
	return h
}

func (h *Hub) Apply(cfg Config) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Hub) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	h.register(c)

	c.enqueue(marshalEnvelope(TypeConnection, nil))
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *client) {
	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.log.Debug("observer connected", slog.Int("observers", n))
}

func (h *Hub) unregister(c *client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()
	if ok {
		h.log.Debug("observer disconnected", slog.Int("observers", n))
	}
}

// Broadcast delivers an inbound reply to every observer watching its bot.
// Observers that have not sent init yet receive nothing.
func (h *Hub) Broadcast(rec domain.MessageRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		h.log.Error("marshaling reply event failed", slog.Any("err", err))
		return
	}
	frame := marshalEnvelope(TypeMessage, data)

	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.botID() == rec.BotID {
			targets = append(targets, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// ObserverCount reports currently connected observers.
func (h *Hub) ObserverCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close drops every observer; used on shutdown.
func (h *Hub) Close() {
	h.clientsMu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	filter string
}

func (c *client) botID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

func (c *client) setBotID(id string) {
	c.mu.Lock()
	c.filter = id
	c.mu.Unlock()
}

// enqueue hands a frame to the write pump; a full queue drops the client.
func (c *client) enqueue(frame []byte) {
	defer func() {
		// Losing the race with unregister closes c.send under us; the
		// connection is already gone, so the frame can be dropped.
		_ = recover()
	}()
	select {
	case c.send <- frame:
	default:
		c.hub.log.Warn("observer too slow, dropping connection")
		_ = c.conn.Close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	cfg := c.hub.config()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case TypeInit:
			var p initPayload
			if err := json.Unmarshal(env.Data, &p); err == nil && p.BotID != "" {
				c.setBotID(p.BotID)
			}
		case TypePing:
			c.enqueue(marshalEnvelope(TypePong, nil))
		default:
			// Ignore unknown frames; the protocol is expected to grow.
		}
	}
}

func (c *client) writePump() {
	cfg := c.hub.config()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = c.conn.Close()
			// Drain until unregister closes the channel.
			for range c.send {
			}
			return
		}
	}
}

func marshalEnvelope(typ string, data json.RawMessage) []byte {
	b, _ := json.Marshal(Envelope{Type: typ, Data: data, Timestamp: time.Now().UTC()})
	return b
}
