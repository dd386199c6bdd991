package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/store"
)

// Status classifies a host's current reachability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// OfflineReason is the classified cause of an offline transition.
type OfflineReason string

const (
	ReasonUnreachable  OfflineReason = "unreachable"
	ReasonTLSInvalid   OfflineReason = "tls_invalid"
	ReasonAuthFailed   OfflineReason = "auth_failed"
	ReasonProtocolErr  OfflineReason = "protocol_error"
)

// Session is one of the three variants named in spec §4.1. Local and
// Remote-TLS sessions hold a real *client.Client (which already satisfies
// DockerAPI); Agent sessions hold whatever internal/agentchannel hands back
// for that host, forwarding calls over the duplex channel.
type Session struct {
	HostID         string
	ConnectionType store.ConnectionType
	API            DockerAPI

	mu            sync.Mutex
	status        Status
	offlineReason OfflineReason
	backoff       time.Duration
}

func (s *Session) Status() (Status, OfflineReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.offlineReason
}

func (s *Session) markOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusOnline
	s.offlineReason = ""
	s.backoff = 0
}

func (s *Session) markOffline(reason OfflineReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusOffline
	s.offlineReason = reason
}

// AgentFactory builds a DockerAPI that relays through an on-host agent's
// duplex channel. Supplied by the daemon's wiring so internal/session does
// not import internal/agentchannel directly (agentchannel instead depends on
// session for the DockerAPI interface it must satisfy).
type AgentFactory func(hostID string) (DockerAPI, error)

// Manager owns every Host Session Manager session and drives reconnection.
type Manager struct {
	store        *store.Store
	log          *logrus.Logger
	agentFactory AgentFactory
	pingInterval time.Duration
	backoffMax   time.Duration

	onConnected func(hostID string)

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(st *store.Store, log *logrus.Logger, agentFactory AgentFactory, pingInterval, backoffMax time.Duration) *Manager {
	return &Manager{
		store:        st,
		log:          log,
		agentFactory: agentFactory,
		pingInterval: pingInterval,
		backoffMax:   backoffMax,
		sessions:     make(map[string]*Session),
	}
}

// OnConnected registers a callback fired whenever a session transitions from
// offline to online, the hook that emits the host.connected event.
func (m *Manager) OnConnected(fn func(hostID string)) { m.onConnected = fn }

// Ensure establishes or reuses a session for host, per spec §4.1. On
// dial/auth failure the host session is recorded as offline with a
// classified reason; callers should treat a non-nil error as "try again
// later", not a fatal condition.
func (m *Manager) Ensure(ctx context.Context, h *store.Host) (*Session, error) {
	m.mu.RLock()
	existing, ok := m.sessions[h.ID]
	m.mu.RUnlock()
	if ok {
		return existing, nil
	}

	api, err := m.dial(h)
	sess := &Session{HostID: h.ID, ConnectionType: h.ConnectionType, backoff: time.Second}
	if err != nil {
		sess.markOffline(classify(err))
		m.mu.Lock()
		m.sessions[h.ID] = sess
		m.mu.Unlock()
		go m.reconnectLoop(ctx, h)
		return sess, fmt.Errorf("session: ensure %s: %w", h.ID, err)
	}

	sess.API = api
	sess.markOnline()

	m.mu.Lock()
	m.sessions[h.ID] = sess
	m.mu.Unlock()

	go m.pingLoop(ctx, h.ID)
	return sess, nil
}

// Get returns the current session for a host, if one has been established.
func (m *Manager) Get(hostID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[hostID]
	return s, ok
}

// Remove tears down and forgets a host's session (used on host deletion).
func (m *Manager) Remove(hostID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[hostID]; ok {
		if s.API != nil {
			s.API.Close()
		}
		delete(m.sessions, hostID)
	}
}

func (m *Manager) dial(h *store.Host) (DockerAPI, error) {
	switch h.ConnectionType {
	case store.ConnectionLocal:
		return newLocalClient()
	case store.ConnectionRemote:
		var material *TLSMaterial
		if h.TLSMaterial.Valid && h.TLSMaterial.String != "" {
			m, err := parseTLSMaterial(h.TLSMaterial.String)
			if err != nil {
				return nil, fmt.Errorf("tls_invalid: %w", err)
			}
			material = m
		}
		return newRemoteClient(h.URL, material)
	case store.ConnectionAgent:
		if m.agentFactory == nil {
			return nil, fmt.Errorf("protocol_error: no agent factory configured")
		}
		return m.agentFactory(h.ID)
	default:
		return nil, fmt.Errorf("protocol_error: unknown connection type %q", h.ConnectionType)
	}
}

// pingLoop periodically calls Ping at the configured interval; on failure
// the session is marked offline and a reconnection loop is started.
func (m *Manager) pingLoop(ctx context.Context, hostID string) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			sess, ok := m.sessions[hostID]
			m.mu.RUnlock()
			if !ok {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := sess.API.Ping(pingCtx)
			cancel()
			if err != nil {
				sess.markOffline(classify(err))
				m.log.WithError(err).WithField("host_id", hostID).Warn("host ping failed, marking offline")
				m.mu.Lock()
				delete(m.sessions, hostID)
				m.mu.Unlock()
				host, getErr := m.store.Hosts().Get(ctx, hostID)
				if getErr == nil {
					go m.reconnectLoop(ctx, host)
				}
				return
			}
		}
	}
}

// reconnectLoop retries dialing the host with exponential backoff capped at
// m.backoffMax, emitting host.connected via onConnected on success.
func (m *Manager) reconnectLoop(ctx context.Context, h *store.Host) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		api, err := m.dial(h)
		if err != nil {
			backoff *= 2
			if backoff > m.backoffMax {
				backoff = m.backoffMax
			}
			m.log.WithError(err).WithField("host_id", h.ID).Debug("reconnect attempt failed")
			continue
		}

		sess := &Session{HostID: h.ID, ConnectionType: h.ConnectionType, API: api}
		sess.markOnline()

		m.mu.Lock()
		m.sessions[h.ID] = sess
		m.mu.Unlock()

		m.log.WithField("host_id", h.ID).Info("host reconnected")
		if m.onConnected != nil {
			m.onConnected(h.ID)
		}
		go m.pingLoop(ctx, h.ID)
		return
	}
}

// classify maps a dial/ping error to one of the four classified offline
// reasons in spec §4.1. Falls back to ReasonUnreachable.
func classify(err error) OfflineReason {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "tls_invalid", "certificate", "x509"):
		return ReasonTLSInvalid
	case containsAny(msg, "auth_failed", "unauthorized", "permission denied"):
		return ReasonAuthFailed
	case containsAny(msg, "protocol_error"):
		return ReasonProtocolErr
	default:
		return ReasonUnreachable
	}
}

func containsAny(s string, subs ...string) bool {
	low := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(low, sub) {
			return true
		}
	}
	return false
}
