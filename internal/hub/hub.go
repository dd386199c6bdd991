// Package hub is the WebSocket Broadcast Hub: session-authenticated realtime
// fan-out to many clients, each subscribed to a set of named topics, with
// per-entity progress streams. Grounded on
// stats-service/event_broadcaster.go's per-connection-mutex map and
// two-phase dead-connection cleanup, generalized from one fixed event feed
// to per-client topic subscriptions.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Envelope is the wire shape of every message the Hub sends, per spec §4.9/§6.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MaxOutboundQueue bounds each client's outbound buffer; on overflow the
// client is disconnected rather than allowed to backpressure the Hub.
const MaxOutboundQueue = 256

const maxConnections = 500

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	topics  map[string]bool
	writeMu sync.Mutex
}

// Hub owns every connected client and the topic they subscribed to.
type Hub struct {
	log *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

func New(log *logrus.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*client]bool)}
}

// Register adds conn to the Hub with an initial topic subscription set and
// starts its write pump. Returns an error (and does not register) if the
// connection cap is reached.
func (h *Hub) Register(conn *websocket.Conn, topics []string) error {
	h.mu.Lock()
	if len(h.clients) >= maxConnections {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached"), timeNowAdd())
		return errConnLimitReached
	}
	c := &client{conn: conn, send: make(chan []byte, MaxOutboundQueue), topics: toSet(topics)}
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	h.log.WithField("topics", topics).Debug("hub client registered")
	return nil
}

func (h *Hub) writePump(c *client) {
	for data := range c.send {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Unregister removes a connection explicitly (called from the read loop
// that owns conn on disconnect).
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	var found *client
	for c := range h.clients {
		if c.conn == conn {
			found = c
			break
		}
	}
	if found != nil {
		delete(h.clients, found)
	}
	h.mu.Unlock()
	if found != nil {
		close(found.send)
	}
}

// Publish broadcasts an envelope to every client subscribed to topic.
// Best-effort: a client whose outbound queue is full is disconnected rather
// than allowed to slow down the rest of the fan-out, per spec §4.9.
func (h *Hub) Publish(topic string, msgType string, data any) {
	env := Envelope{Type: msgType, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.WithError(err).Error("hub: failed to marshal envelope")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.topics[topic] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var overflowed []*client
	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			overflowed = append(overflowed, c)
		}
	}

	for _, c := range overflowed {
		h.remove(c)
	}
}

// ConnectionCount reports the number of currently registered clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	for _, c := range all {
		close(c.send)
	}
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}
