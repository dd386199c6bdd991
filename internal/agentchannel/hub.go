package agentchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/pkg/dockertypes"
)

// Hub accepts inbound agent connections (the agent dials the daemon, not
// the other way around — spec §4.1's third session variant) and keeps the
// one live conn per host ID that internal/session.Manager's AgentFactory
// seam forwards DockerAPI calls through.
type Hub struct {
	log       *logrus.Logger
	registrar Registrar
	sink      EventSink
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub builds a Hub. sink receives the unsolicited agent events other than
// container_event (such as health-check results) keyed by host ID; wire it to
// internal/health. Container lifecycle events are delivered through the
// session's Events stream instead.
func NewHub(log *logrus.Logger, registrar Registrar, sink EventSink) *Hub {
	return &Hub{
		log:       log,
		registrar: registrar,
		sink:      sink,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:     make(map[string]*conn),
	}
}

// ServeHTTP upgrades the connection, performs the flat-JSON registration
// handshake, and — on success — takes over the connection for its
// lifetime. It does not return until the agent disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("agent channel: upgrade failed")
		return
	}

	hostID, ok := h.handshake(r.Context(), ws)
	if !ok {
		ws.Close()
		return
	}

	c := newConn(hostID, ws, h.log, h.sink)
	h.replace(hostID, c)
	defer h.remove(hostID, c)

	h.log.WithField("host_id", hostID).Info("agent channel: agent connected")
	if err := c.run(r.Context()); err != nil {
		h.log.WithError(err).WithField("host_id", hostID).Warn("agent channel: connection ended")
	}
}

func (h *Hub) handshake(ctx context.Context, ws *websocket.Conn) (string, bool) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		h.log.WithError(err).Warn("agent channel: failed to read registration frame")
		return "", false
	}

	var req dockertypes.RegistrationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeRegistrationError(ws, "malformed registration message")
		return "", false
	}

	hostID, permanentToken, err := h.registrar.Register(ctx, req)
	if err != nil {
		h.writeRegistrationError(ws, err.Error())
		return "", false
	}

	resp := dockertypes.RegistrationResponse{AgentID: hostID, HostID: hostID, PermanentToken: permanentToken}
	data, _ = json.Marshal(resp)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.WithError(err).Warn("agent channel: failed to send registration response")
		return "", false
	}
	return hostID, true
}

func (h *Hub) writeRegistrationError(ws *websocket.Conn, msg string) {
	data, _ := json.Marshal(dockertypes.RegistrationResponse{Type: "auth_error", Error: msg})
	ws.WriteMessage(websocket.TextMessage, data)
}

// replace installs c as the live connection for hostID, closing out
// whatever was there before — an agent reconnecting (new process, new
// socket) always supersedes a stale one rather than being rejected.
func (h *Hub) replace(hostID string, c *conn) {
	h.mu.Lock()
	old, existed := h.conns[hostID]
	h.conns[hostID] = c
	h.mu.Unlock()
	if existed {
		old.close()
	}
}

func (h *Hub) remove(hostID string, c *conn) {
	h.mu.Lock()
	if h.conns[hostID] == c {
		delete(h.conns, hostID)
	}
	h.mu.Unlock()
}

func (h *Hub) get(hostID string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[hostID]
	return c, ok
}

// Factory adapts the Hub into the session.Manager integration seam: a
// session for an agent-connected host is only available once that agent
// has dialed in and registered, so a host whose agent hasn't (yet)
// connected fails fast here and relies on Manager's existing
// backoff/reconnect loop to retry until a conn shows up.
func (h *Hub) Factory() session.AgentFactory {
	return func(hostID string) (session.DockerAPI, error) {
		c, ok := h.get(hostID)
		if !ok {
			return nil, fmt.Errorf("agent channel: host %s has no connected agent", hostID)
		}
		return newAgentAPI(c), nil
	}
}

// Send issues a command to a host's agent outside the DockerAPI surface —
// used for the two push-style commands spec §4.10 names that aren't
// container operations: health_check_config and health_check_config_remove.
func (h *Hub) Send(ctx context.Context, hostID, command string, payload any) (json.RawMessage, error) {
	c, ok := h.get(hostID)
	if !ok {
		return nil, fmt.Errorf("agent channel: host %s has no connected agent", hostID)
	}
	env, err := c.send(ctx, command, payload)
	if err != nil {
		return nil, err
	}
	if respErr := env.asError(); respErr != nil {
		return nil, respErr
	}
	return env.Payload, nil
}

// Connected reports whether hostID currently has a live agent connection.
func (h *Hub) Connected(hostID string) bool {
	_, ok := h.get(hostID)
	return ok
}
