// Package agent is the on-host half of spec §4.10's agent channel: it dials
// internal/agentchannel's Hub, registers, and from then on answers the
// daemon's commands against a real Docker client while pushing its own
// container-event and health-check-result frames up unsolicited. Grounded
// directly on agent/internal/client/websocket.go's connection lifecycle
// (connect/register/handleConnection/sendMessage), trimmed to the command
// set internal/agentchannel actually dispatches — this module's agent has
// no shell, stats, compose-deploy, or self-update surface.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/agentchannel"
	"github.com/dockmon/dockmon/internal/config"
	"github.com/dockmon/dockmon/pkg/dockertypes"
)

// Client is one dockmon-agent connection to the daemon's agent channel.
type Client struct {
	cfg    *config.AgentConfig
	log    *logrus.Logger
	docker *client.Client

	writeMu sync.Mutex
	ws      *websocket.Conn

	health *healthCheckHandler
}

// New builds a Client around an already-dialed Docker SDK client.
func New(cfg *config.AgentConfig, log *logrus.Logger, docker *client.Client) *Client {
	c := &Client{cfg: cfg, log: log, docker: docker}
	c.health = newHealthCheckHandler(log, c.sendEvent)
	return c
}

// Run dials, registers, and serves the channel until ctx is cancelled,
// reconnecting with exponential backoff on every disconnect — the same
// shape as the teacher's WebSocketClient.Run.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.log.WithError(err).Warn("agent: connection ended, will reconnect")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
	}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.DaemonURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	c.ws = ws
	defer ws.Close()

	if err := c.register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	return c.serve(ctx)
}

// register performs the flat, pre-Envelope JSON handshake hub.go's
// handshake() expects: a bare RegistrationRequest out, a bare
// RegistrationResponse back. On first-ever registration the daemon mints a
// permanent token, which is persisted to disk so every later run
// authenticates with it instead of the shared enrollment token.
func (c *Client) register(ctx context.Context) error {
	info, err := c.docker.Info(ctx)
	var osType, kernelVersion string
	if err == nil {
		osType = info.OSType
		kernelVersion = info.KernelVersion
	}
	version, verErr := c.docker.ServerVersion(ctx)
	dockerVersion := ""
	if verErr == nil {
		dockerVersion = version.Version
	}

	token := c.cfg.PermanentToken
	if token == "" {
		token = c.cfg.EnrollmentToken
	}
	hostname, _ := os.Hostname()

	req := dockertypes.RegistrationRequest{
		Type:          "register",
		Token:         token,
		EngineID:      info.ID,
		Hostname:      hostname,
		Version:       c.cfg.AgentVersion,
		ProtoVersion:  c.cfg.ProtoVersion,
		OSType:        osType,
		KernelVersion: kernelVersion,
		DockerVersion: dockerVersion,
		TotalMemory:   info.MemTotal,
		NumCPUs:       info.NCPU,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	var resp dockertypes.RegistrationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("malformed registration response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("registration rejected: %s", resp.Error)
	}

	if resp.PermanentToken != "" {
		c.cfg.PermanentToken = resp.PermanentToken
		if err := c.persistPermanentToken(resp.PermanentToken); err != nil {
			c.log.WithError(err).Warn("agent: failed to persist permanent token, next restart will need the enrollment token again")
		}
	}
	c.log.WithField("host_id", resp.HostID).Info("agent: registered with daemon")
	return nil
}

func (c *Client) persistPermanentToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(c.cfg.TokenPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.cfg.TokenPath, []byte(token), 0o600)
}

// serve runs the read loop (answering commands) alongside the container
// event watcher and the health-check probe loop until the connection drops.
func (c *Client) serve(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.streamContainerEvents(connCtx) }()
	go func() { defer wg.Done(); c.health.run(connCtx) }()
	defer wg.Wait()

	c.ws.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	go c.pingLoop(connCtx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var env agentchannel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.WithError(err).Warn("agent: malformed frame from daemon")
			continue
		}
		go c.handleCommand(connCtx, &env)
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, env *agentchannel.Envelope) {
	if env.Type != "command" {
		return
	}

	if env.Command == agentchannel.CmdPullImage {
		c.handlePullImage(ctx, env)
		return
	}

	out, err := c.dispatch(ctx, env.Command, env.Payload)
	c.writeResponse(env.ID, out, err)
}

func (c *Client) writeResponse(id string, payload any, respErr error) {
	env := &agentchannel.Envelope{Type: "response", ID: id, Timestamp: time.Now().UTC()}
	if respErr != nil {
		env.Error = respErr.Error()
	} else if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			env.Error = err.Error()
		} else {
			env.Payload = raw
		}
	}
	c.writeEnvelope(env)
}

func (c *Client) sendEvent(command string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeEnvelope(&agentchannel.Envelope{
		Type: "event", ID: uuid.NewString(), Command: command, Payload: raw, Timestamp: time.Now().UTC(),
	})
}

func (c *Client) writeEnvelope(env *agentchannel.Envelope) error {
	env.Timestamp = time.Now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.ws.SetWriteDeadline(time.Time{})
	return err
}
