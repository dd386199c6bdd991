package config

import (
	"fmt"
	"os"
	"time"
)

// AgentConfig holds cmd/dockmon-agent's configuration, loaded the same
// env-var way as the daemon's Config above.
type AgentConfig struct {
	// Where to dial the daemon's agent channel (internal/agentchannel.Hub).
	DaemonURL string

	// EnrollmentToken authenticates this engine_id's first-ever
	// registration; PermanentToken (minted by the daemon and persisted to
	// disk after that first registration) authenticates every reconnect
	// after. At least one must be set on any given run.
	EnrollmentToken string
	PermanentToken  string
	TokenPath       string

	InsecureSkipVerify bool

	DockerHost string

	AgentVersion string
	ProtoVersion string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	LogLevel string
	LogJSON  bool
}

// LoadAgentFromEnv populates an AgentConfig from the environment, mirroring
// the teacher's own agent/internal/config.LoadFromEnv: a DOCKMON_AGENT_URL
// is always required, and registration needs either an enrollment token
// (first run) or a persisted permanent token (every run after).
func LoadAgentFromEnv() (*AgentConfig, error) {
	cfg := &AgentConfig{
		DaemonURL: os.Getenv("DOCKMON_AGENT_URL"),

		EnrollmentToken: os.Getenv("DOCKMON_AGENT_ENROLLMENT_TOKEN"),
		PermanentToken:  os.Getenv("DOCKMON_AGENT_PERMANENT_TOKEN"),
		TokenPath:       getEnvOrDefault("DOCKMON_AGENT_TOKEN_PATH", "/var/lib/dockmon-agent/permanent_token"),

		InsecureSkipVerify: getEnvBool("DOCKMON_AGENT_INSECURE_SKIP_VERIFY", false),

		DockerHost: os.Getenv("DOCKER_HOST"),

		AgentVersion: getEnvOrDefault("DOCKMON_AGENT_VERSION", "dev"),
		ProtoVersion: getEnvOrDefault("DOCKMON_AGENT_PROTO_VERSION", "1"),

		ReconnectInitial: getEnvDuration("DOCKMON_AGENT_RECONNECT_INITIAL", 1*time.Second),
		ReconnectMax:     getEnvDuration("DOCKMON_AGENT_RECONNECT_MAX", 60*time.Second),

		LogLevel: getEnvOrDefault("DOCKMON_AGENT_LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("DOCKMON_AGENT_LOG_FORMAT_JSON", false),
	}

	if cfg.DaemonURL == "" {
		return nil, fmt.Errorf("DOCKMON_AGENT_URL is required")
	}
	if cfg.EnrollmentToken == "" && cfg.PermanentToken == "" {
		if data, err := os.ReadFile(cfg.TokenPath); err == nil && len(data) > 0 {
			cfg.PermanentToken = string(data)
		}
	}
	if cfg.EnrollmentToken == "" && cfg.PermanentToken == "" {
		return nil, fmt.Errorf("one of DOCKMON_AGENT_ENROLLMENT_TOKEN or DOCKMON_AGENT_PERMANENT_TOKEN is required")
	}

	return cfg, nil
}
