// Package agentchannel implements the server side of spec §4.10's duplex
// message channel: a WebSocket-framed command/response/event protocol that
// lets a remote dockmon-agent process stand in for a local Docker client.
// The envelope and correlation scheme mirror agent/internal/protocol and
// agent/pkg/types almost directly; the command set is generalized from the
// agent's hand-picked dispatch (list_containers, container_operation, ...)
// into full coverage of session.DockerAPI so an agent-relayed session is
// indistinguishable, to its callers, from a local or remote-TLS one.
package agentchannel

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope is the wire message exchanged once a connection is registered.
// Registration itself (see hub.go) uses a flat, unwrapped JSON object, the
// same two-phase shape the teacher's agent speaks: a bare handshake object
// before any Envelope is ever sent.
type Envelope struct {
	Type      string          `json:"type"` // "command", "response", "event"
	ID        string          `json:"id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	typeCommand  = "command"
	typeResponse = "response"
	typeEvent    = "event"
)

// Command names the hub can send to an agent. Read/write operations map
// 1:1 onto session.DockerAPI, so spec §4.10's "update_container" operation
// needs no command of its own: internal/update.Executor already drives a
// container update as a sequence of these same primitives against
// sess.API, and an agent-relayed session forwards each one individually —
// the update runs exactly the same way whether the container lives on a
// local, remote-TLS, or agent-fronted host. health_check_config and
// health_check_config_remove are genuinely atomic: they push a probe
// definition for the agent's own local probe loop to run, not a sequence
// of primitives the daemon could otherwise issue itself.
const (
	CmdListContainers   = "list_containers"
	CmdInspectContainer = "inspect_container"
	CmdStartContainer   = "start_container"
	CmdStopContainer    = "stop_container"
	CmdRestartContainer = "restart_container"
	CmdRemoveContainer  = "remove_container"
	CmdRenameContainer  = "rename_container"
	CmdKillContainer    = "kill_container"
	CmdCreateContainer  = "create_container"
	CmdPullImage        = "pull_image"
	CmdInspectImage     = "inspect_image"
	CmdInspectNetwork   = "inspect_network"
	CmdConnectNetwork   = "connect_network"
	CmdCreateVolume     = "create_volume"
	CmdContainerStats   = "container_stats"
	CmdDockerInfo       = "docker_info"
	CmdServerVersion    = "server_version"
	CmdPing             = "ping"

	CmdHealthCheckConfig       = "health_check_config"
	CmdHealthCheckConfigRemove = "health_check_config_remove"
)

// Event names an agent sends unsolicited, or as part of a streamed command
// response (pull_image's layer progress).
const (
	EventContainerEvent    = "container_event"
	EventImagePullProgress = "image_pull_progress"
	EventImagePullComplete = "image_pull_complete"
	EventHealthCheckResult = "health_check_result"
)

func encode(e *Envelope) ([]byte, error) {
	e.Timestamp = time.Now().UTC()
	return json.Marshal(e)
}

func decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func newCommand(id, command string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typeCommand, ID: id, Command: command, Payload: raw}, nil
}

func newResponse(id string, payload any, respErr error) *Envelope {
	e := &Envelope{Type: typeResponse, ID: id}
	if respErr != nil {
		e.Error = respErr.Error()
		return e
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Payload = raw
	return e
}

// decodeInto unmarshals the envelope's payload into target. A nil payload
// is a no-op, matching ParseCommand's behavior on an empty/omitted field.
func (e *Envelope) decodeInto(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

// asError turns a response envelope's Error string back into an error,
// or nil if the command succeeded.
func (e *Envelope) asError() error {
	if e.Error == "" {
		return nil
	}
	return errors.New(e.Error)
}
