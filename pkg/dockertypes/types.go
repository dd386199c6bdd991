// Package dockertypes holds the wire DTOs shared by the daemon's agent hub
// (internal/agentchannel) and the on-host agent binary (cmd/dockmon-agent),
// adapted from the teacher's agent/pkg/types/types.go. Splitting these out of
// internal/agentchannel keeps both sides of the channel building and parsing
// the exact same Go structs instead of hand-matched JSON field names.
package dockertypes

import "time"

// RegistrationRequest is the flat (non-Envelope) JSON object an agent sends
// as the first frame on a new connection, before any Envelope is exchanged.
type RegistrationRequest struct {
	Type            string `json:"type"`
	Token           string `json:"token"`
	EngineID        string `json:"engine_id"`
	Hostname        string `json:"hostname"`
	Version         string `json:"version"`
	ProtoVersion    string `json:"proto_version"`
	OSType          string `json:"os_type,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	DockerVersion   string `json:"docker_version,omitempty"`
	DaemonStartedAt string `json:"daemon_started_at,omitempty"`
	TotalMemory     int64  `json:"total_memory,omitempty"`
	NumCPUs         int    `json:"num_cpus,omitempty"`
}

// RegistrationResponse is the daemon's reply to a RegistrationRequest.
// PermanentToken is only populated on a host's first-ever registration.
type RegistrationResponse struct {
	Type           string `json:"type,omitempty"` // "auth_error" on rejection
	Error          string `json:"error,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	HostID         string `json:"host_id,omitempty"`
	PermanentToken string `json:"permanent_token,omitempty"`
}

// ContainerEvent is the agent's flat container lifecycle event, sent as an
// unsolicited event frame and translated by the hub into a genuine Docker
// SDK events.Message for internal/pipeline.
type ContainerEvent struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Image         string            `json:"image"`
	Action        string            `json:"action"`
	Status        string            `json:"status,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// CreateContainerRequest is the payload for the create_container command,
// mirroring session.DockerAPI.ContainerCreate's parameter list. Config,
// HostConfig, NetworkingConfig, and Platform are Docker SDK types, already
// shared between both sides via github.com/docker/docker.
type CreateContainerRequest struct {
	Config           interface{} `json:"config"`
	HostConfig       interface{} `json:"host_config"`
	NetworkingConfig interface{} `json:"networking_config,omitempty"`
	Platform         interface{} `json:"platform,omitempty"`
	ContainerName    string      `json:"container_name"`
}

// HealthCheckConfig is a check_from=agent probe configuration, pushed down
// from the daemon so the agent's own probe loop can run it locally, field
// for field matching agent/internal/handlers/healthcheck.go's own
// HealthCheckConfig so an agent speaking this wire format needn't translate.
type HealthCheckConfig struct {
	ContainerID          string `json:"container_id"`
	HostID               string `json:"host_id"`
	Enabled              bool   `json:"enabled"`
	URL                  string `json:"url"`
	Method               string `json:"method"`
	ExpectedStatusCodes  string `json:"expected_status_codes"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
	CheckIntervalSeconds int    `json:"check_interval_seconds"`
	FollowRedirects      bool   `json:"follow_redirects"`
	VerifySSL            bool   `json:"verify_ssl"`
	HeadersJSON          string `json:"headers_json,omitempty"`
	AuthConfigJSON       string `json:"auth_config_json,omitempty"`
}

// HealthCheckConfigRemoval identifies a probe configuration to stop running,
// the payload for the health_check_config_remove command.
type HealthCheckConfigRemoval struct {
	ContainerID string `json:"container_id"`
}

// HealthCheckResult is pushed back up as a health_check_result event once
// the agent's local probe loop completes a check.
type HealthCheckResult struct {
	ContainerID    string `json:"container_id"`
	HostID         string `json:"host_id"`
	Healthy        bool   `json:"healthy"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	ErrorMessage   string `json:"error_message,omitempty"`
	Timestamp      string `json:"timestamp"`
}
