package agentchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/pkg/dockertypes"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 90 * time.Second
)

// EventSink receives an agent's unsolicited events other than container_event,
// such as health-check results pushed up from a check_from=agent probe.
// Container lifecycle events go to the session's Events stream (the same way
// a local client's are) and never reach the sink.
type EventSink func(hostID, eventType string, payload []byte)

// conn is one live duplex channel to a registered agent, keyed by host ID
// in the Hub. It owns the socket's single writer (gorilla/websocket
// connections are not safe for concurrent writes) and correlates
// command/response pairs by generated ID, mirroring the teacher's own
// connMu-guarded sendMessage plus the request/response pairing spec §4.10
// names explicitly.
type conn struct {
	hostID string
	ws     *websocket.Conn
	log    *logrus.Logger
	sink   EventSink

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *Envelope
	streams  map[string]*io.PipeWriter
	eventsCh chan events.Message
	errCh    chan error
	closed   bool
	closeErr error
	doneCh   chan struct{}
}

func newConn(hostID string, ws *websocket.Conn, log *logrus.Logger, sink EventSink) *conn {
	return &conn{
		hostID:  hostID,
		ws:      ws,
		log:     log,
		sink:    sink,
		pending: make(map[string]chan *Envelope),
		streams: make(map[string]*io.PipeWriter),
		doneCh:  make(chan struct{}),
	}
}

// run drives the read loop and ping ticker until the connection closes.
// Callers should invoke it in its own goroutine and treat the returned
// error as the reason the channel went away.
func (c *conn) run(ctx context.Context) error {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop(ctx)

	var runErr error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			runErr = err
			break
		}
		env, err := decode(data)
		if err != nil {
			c.log.WithError(err).WithField("host_id", c.hostID).Warn("agent channel: malformed frame")
			continue
		}
		c.dispatch(env)
	}

	c.teardown(runErr)
	return runErr
}

func (c *conn) dispatch(env *Envelope) {
	switch env.Type {
	case typeResponse:
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	case typeEvent:
		c.mu.Lock()
		pw, streaming := c.streams[env.ID]
		c.mu.Unlock()
		if streaming {
			c.writeStreamFrame(pw, env)
			return
		}
		if env.Command == EventContainerEvent {
			c.deliverContainerEvent(env.Payload)
			return
		}
		if c.sink != nil {
			c.sink(c.hostID, env.Command, env.Payload)
		}
	default:
		c.log.WithFields(logrus.Fields{"host_id": c.hostID, "type": env.Type}).Warn("agent channel: unexpected frame type from agent")
	}
}

func (c *conn) writeStreamFrame(pw *io.PipeWriter, env *Envelope) {
	switch env.Command {
	case EventImagePullComplete:
		c.endStream(env.ID, env.asError())
	default:
		pw.Write(append(append([]byte{}, env.Payload...), '\n'))
		if env.asError() != nil {
			c.endStream(env.ID, env.asError())
		}
	}
}

func (c *conn) endStream(id string, err error) {
	c.mu.Lock()
	pw, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		pw.CloseWithError(err)
	}
}

func (c *conn) deliverContainerEvent(payload json.RawMessage) {
	var ev dockertypes.ContainerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.WithError(err).WithField("host_id", c.hostID).Warn("agent channel: malformed container_event")
		return
	}

	attrs := ev.Attributes
	if attrs == nil {
		attrs = make(map[string]string, 2)
	}
	if ev.ContainerName != "" {
		attrs["name"] = ev.ContainerName
	}
	if ev.Image != "" {
		attrs["image"] = ev.Image
	}
	if ev.Status != "" {
		attrs["status"] = ev.Status
	}

	msg := events.Message{
		Type:     events.ContainerEventType,
		Action:   events.Action(ev.Action),
		Actor:    events.Actor{ID: ev.ContainerID, Attributes: attrs},
		TimeNano: ev.Timestamp.UnixNano(),
		Time:     ev.Timestamp.Unix(),
	}

	c.mu.Lock()
	ch := c.eventsCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
		c.log.WithField("host_id", c.hostID).Warn("agent channel: events channel full, dropping container event")
	}
}

// subscribeEvents lazily creates (or returns the existing) event/error
// channel pair for this connection. Only the Event & State Pipeline calls
// this, once per session, so a single buffered channel per conn is enough.
func (c *conn) subscribeEvents() (<-chan events.Message, <-chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsCh == nil {
		c.eventsCh = make(chan events.Message, 256)
		c.errCh = make(chan error, 1)
	}
	return c.eventsCh, c.errCh
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	streams := c.streams
	errCh := c.errCh
	c.pending = nil
	c.streams = nil
	c.mu.Unlock()

	close(c.doneCh)
	for _, ch := range pending {
		close(ch)
	}
	for _, pw := range streams {
		pw.CloseWithError(fmt.Errorf("agent channel closed: %w", err))
	}
	if errCh != nil {
		select {
		case errCh <- fmt.Errorf("agent channel closed: %w", err):
		default:
		}
	}
	c.ws.Close()
}

// isClosed reports whether the channel has already torn down, used by
// Ping to fail fast instead of blocking on a dead connection's send().
func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// send writes an Envelope and blocks until a matching response arrives, the
// connection closes, or ctx is done.
func (c *conn) send(ctx context.Context, command string, payload any) (*Envelope, error) {
	id := uuid.NewString()
	cmd, err := newCommand(id, command, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent channel: host %s is not connected", c.hostID)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := c.writeEnvelope(cmd); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("agent channel: host %s disconnected mid-command", c.hostID)
		}
		return env, nil
	}
}

// stream writes a command and returns an io.ReadCloser fed by the agent's
// subsequent image_pull_progress events, used only by ImagePull — the one
// DockerAPI call whose real return shape is a stream rather than a single
// response (see api.go).
func (c *conn) stream(ctx context.Context, command string, payload any) (io.ReadCloser, error) {
	id := uuid.NewString()
	cmd, err := newCommand(id, command, payload)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("agent channel: host %s is not connected", c.hostID)
	}
	c.streams[id] = pw
	c.mu.Unlock()

	if err := c.writeEnvelope(cmd); err != nil {
		c.endStream(id, err)
		return nil, err
	}
	return pr, nil
}

func (c *conn) writeEnvelope(env *Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.ws.SetWriteDeadline(time.Time{})
	return err
}

func (c *conn) close() error {
	c.writeMu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
