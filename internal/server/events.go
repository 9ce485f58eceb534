package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"distributor/internal/bus"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 64
	maxClientFrame = 4096
)

// The zero CheckOrigin rejects cross-origin browser upgrades.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventHub streams lifecycle events to websocket clients. A client may
// narrow the stream with ?tenant= and ?type=.
type eventHub struct {
	bus       *bus.EventBus
	handlerID string
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn      *websocket.Conn
	tenant    string
	eventType string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

type streamMessage struct {
	Type  string     `json:"type"` // "status" | "event"
	Event *bus.Event `json:"event,omitempty"`
	Info  string     `json:"info,omitempty"`
}

func newEventHub(eb *bus.EventBus, logger *slog.Logger) *eventHub {
	h := &eventHub{bus: eb, logger: logger, clients: make(map[*wsClient]struct{})}
	h.handlerID = eb.On("*", h.broadcast)
	return h
}

func (h *eventHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &wsClient{
		conn:      conn,
		tenant:    r.URL.Query().Get("tenant"),
		eventType: r.URL.Query().Get("type"),
		send:      make(chan []byte, clientBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("event stream client connected", "tenant", c.tenant, "clients", n)

	go c.writeLoop(h.logger)
	c.enqueue(mustJSON(streamMessage{Type: "status", Info: "connected"}))

	defer h.remove(c)
	conn.SetReadLimit(maxClientFrame)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("event stream read error", "err", err)
			}
			return
		}
	}
}

func (h *eventHub) broadcast(e bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	data := mustJSON(streamMessage{Type: "event", Event: &e})
	for c := range h.clients {
		if c.tenant != "" && c.tenant != e.TenantID {
			continue
		}
		if c.eventType != "" && c.eventType != e.Type {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Warn("event stream client too slow, event dropped", "event", e.Type)
		}
	}
}

func (h *eventHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	h.bus.Off("*", h.handlerID)
	for c := range clients {
		c.close()
	}
}

func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("event stream write failed", "err", err)
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"status","info":"encode error"}`)
	}
	return data
}
