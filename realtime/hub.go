// Package realtime fans bus events out to long-lived WebSocket clients.
// The hub owns the connection set; the rest of the system publishes to
// the bus without knowing about connection lifecycles.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scanworks/prospector/bus"
)

// DefaultKeepalive is the shipped ping interval.
const DefaultKeepalive = 30 * time.Second

// writeTimeout bounds a single frame write; a client that cannot accept
// a send within it is dropped.
const writeTimeout = 10 * time.Second

// maxClientMessage bounds inbound control frames.
const maxClientMessage = 4 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin surface is same-host or reverse-proxied; origin policy
	// belongs to the proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is a message from the browser: ping or filter management.
type clientFrame struct {
	Type       string   `json:"type"`
	ProjectIDs []string `json:"projectIds,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

// serverFrame is a non-event message to the browser.
type serverFrame struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// client is one connected consumer. Writes are serialized by writeMu;
// the filter has its own lock because the read loop mutates it while the
// hub broadcast reads it.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	filterMu sync.RWMutex
	projects map[string]bool
	types    map[string]bool
}

// matches applies the client's filter. Empty sets mean "all".
func (c *client) matches(ev bus.Event) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()

	if len(c.types) > 0 && !c.types[string(ev.Type)] {
		return false
	}
	if len(c.projects) > 0 && !c.projects[ev.ProjectID] {
		return false
	}
	return true
}

// setFilter replaces the subscription filter.
func (c *client) setFilter(projectIDs, eventTypes []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()

	c.projects = make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		c.projects[id] = true
	}
	c.types = make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		c.types[t] = true
	}
}

// write sends one frame under the write lock with a deadline.
func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub fans out bus events to connected clients.
type Hub struct {
	busClient *bus.Client
	keepalive time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a Hub. keepalive <= 0 uses the default.
func NewHub(busClient *bus.Client, keepalive time.Duration, logger *slog.Logger) *Hub {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		busClient: busClient,
		keepalive: keepalive,
		logger:    logger,
		clients:   make(map[string]*client),
	}
}

// Run subscribes to the project lifecycle and analysis streams and
// broadcasts until ctx ends. Raw path events from the watcher stay
// internal to the pipeline. On exit all connections receive a normal
// closure; the bus subscription is torn down last.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.busClient.Subscribe(
		bus.EventProjectAdded, bus.EventProjectUpdated, bus.EventProjectRemoved,
		bus.EventAnalysisStarted, bus.EventAnalysisProgress,
		bus.EventAnalysisCompleted, bus.EventAnalysisFailed)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	h.logger.Info("Realtime fan-out started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case ev := <-sub.Events():
			h.broadcast(ev)
		}
	}
}

// Handler upgrades an HTTP request into a fan-out connection.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", "error", err)
			return
		}

		c := &client{
			id:   uuid.New().String(),
			conn: conn,
		}
		conn.SetReadLimit(maxClientMessage)

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[c.id] = c
		total := len(h.clients)
		h.mu.Unlock()

		h.logger.Debug("Realtime client connected", "client_id", c.id, "clients", total)

		welcome, _ := json.Marshal(serverFrame{
			Type:      "connected",
			ClientID:  c.id,
			Message:   "connected to prospector event stream",
			Timestamp: time.Now().UTC(),
		})
		if err := c.write(websocket.TextMessage, welcome); err != nil {
			h.drop(c)
			return
		}

		go h.keepaliveLoop(c)
		h.readLoop(c)
	}
}

// broadcast sends the event to every matching client. The client list is
// snapshotted so no send happens under the hub lock.
func (h *Hub) broadcast(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.matches(ev) {
			continue
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Client send failed, dropping",
				"client_id", c.id,
				"error", err)
			h.drop(c)
		}
	}
}

// readLoop consumes client frames until the connection dies.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ping":
			pong, _ := json.Marshal(serverFrame{Type: "pong", Timestamp: time.Now().UTC()})
			if err := c.write(websocket.TextMessage, pong); err != nil {
				return
			}
		case "subscribe":
			c.setFilter(frame.ProjectIDs, frame.EventTypes)
		case "unsubscribe":
			c.setFilter(nil, nil)
		}
	}
}

// keepaliveLoop pings the client on the configured interval; a failed
// ping drops the connection.
func (h *Hub) keepaliveLoop(c *client) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for range ticker.C {
		h.mu.Lock()
		_, alive := h.clients[c.id]
		h.mu.Unlock()
		if !alive {
			return
		}
		if err := c.write(websocket.PingMessage, nil); err != nil {
			h.drop(c)
			return
		}
	}
}

// drop removes a client and closes its connection. Idempotent.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	if present {
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// shutdown closes every connection with a normal-closure frame.
func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down")
	for _, c := range targets {
		_ = c.write(websocket.CloseMessage, closeFrame)
		c.conn.Close()
	}

	h.logger.Info("Realtime fan-out stopped", "clients_closed", len(targets))
}
