// Package feed streams delivered events to websocket clients.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tathienbao/ibrecon/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message is the JSON frame sent for each event.
type Message struct {
	Type string       `json:"type"`
	Time time.Time    `json:"time"`
	Data events.Event `json:"data"`
}

// Config holds hub configuration.
type Config struct {
	ClientBuffer    int // per-client send queue; a full queue drops the client
	BroadcastBuffer int
	AllowedOrigins  []string // empty allows any origin
}

// DefaultConfig returns default hub config.
func DefaultConfig() Config {
	return Config{
		ClientBuffer:    256,
		BroadcastBuffer: 1024,
	}
}

type frame struct {
	kind    events.Kind
	payload []byte
}

// Hub fans events out to connected websocket clients. It implements
// dispatch.Observer and http.Handler.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan frame

	mu      sync.RWMutex
	clients map[*client]struct{}

	dropped atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = def.BroadcastBuffer
	}

	h := &Hub{
		cfg:        cfg,
		logger:     logger.With("component", "feed"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan frame, cfg.BroadcastBuffer),
		clients:    make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run delivers broadcasts until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("feed client connected", "client_id", c.id, "remote", c.remote, "clients", n)

		case c := <-h.unregister:
			h.remove(c, "disconnected")

		case f := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(f.kind) {
					continue
				}
				select {
				case c.send <- f.payload:
				default:
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("feed client too slow, dropped", "client_id", c.id)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("feed client "+reason, "client_id", c.id, "clients", len(h.clients))
}

// OnEvent serializes ev and queues it for broadcast. It never blocks the
// caller; a full broadcast queue drops the event.
func (h *Hub) OnEvent(ev events.Event) {
	payload, err := json.Marshal(Message{Type: ev.Kind().String(), Time: ev.Time(), Data: ev})
	if err != nil {
		h.logger.Warn("feed marshal failed", "kind", ev.Kind().String(), "err", err)
		return
	}

	select {
	case h.broadcast <- frame{kind: ev.Kind(), payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of events dropped on a full broadcast queue.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ServeHTTP upgrades the request to a websocket. The optional kinds query
// parameter restricts the stream to a comma-separated list of event kinds.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseKinds(r.URL.Query().Get("kinds"))
	if !ok {
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, h.cfg.ClientBuffer),
		kinds:  filter,
	}

	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func parseKinds(raw string) (map[events.Kind]bool, bool) {
	if raw == "" {
		return nil, true
	}
	out := make(map[events.Kind]bool)
	for _, name := range strings.Split(raw, ",") {
		k, ok := events.ParseKind(strings.TrimSpace(name))
		if !ok {
			return nil, false
		}
		out[k] = true
	}
	return out, true
}

type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	kinds  map[events.Kind]bool // nil streams everything
}

func (c *client) wants(k events.Kind) bool {
	return c.kinds == nil || c.kinds[k]
}

// readPump discards client frames and keeps the read deadline fresh. The
// feed is one-way.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		default:
			h.remove(c, "disconnected")
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed read error", "client_id", c.id, "err", err)
			}
			return
		}
	}
}

// writePump writes one event per websocket message and pings idle
// connections.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
