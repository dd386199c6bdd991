// Package config loads DockMon daemon/agent configuration from environment
// variables. There is no config file or flags library in this stack, in
// keeping with the rest of the codebase's env-driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds daemon-wide configuration.
type Config struct {
	// HTTP / WebSocket
	HTTPBindAddr  string
	SessionSecret string

	// Agent channel (internal/agentchannel)
	AgentEnrollmentSecret string

	// Persistent store
	StoreDriver string // "sqlite"
	StorePath   string

	// Event & State Pipeline
	PollInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Metrics sampler (cpu/memory/disk alert triggers)
	MetricsInterval time.Duration

	// Health Checker
	HealthCacheTTL          time.Duration
	HealthSafetyNetMax      int
	HealthSafetyNetWindow   time.Duration

	// Deployment Executor / Update Pipeline
	PullTimeout      time.Duration
	UpdateTimeout    time.Duration
	StabilityWindow  time.Duration

	// Alert Evaluation Engine
	AlertRetryMax      int
	AlertRetryBaseWait time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// LoadFromEnv populates a Config from the environment, applying the same
// defaults a local/dev deployment would need.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		HTTPBindAddr:  getEnvOrDefault("DOCKMON_HTTP_ADDR", ":8080"),
		SessionSecret: os.Getenv("DOCKMON_SESSION_SECRET"),

		AgentEnrollmentSecret: os.Getenv("DOCKMON_AGENT_ENROLLMENT_SECRET"),

		StoreDriver: getEnvOrDefault("DOCKMON_STORE_DRIVER", "sqlite"),
		StorePath:   getEnvOrDefault("DOCKMON_STORE_PATH", "/data/dockmon.db"),

		PollInterval:     getEnvDuration("DOCKMON_POLL_INTERVAL", 15*time.Second),
		ReconnectInitial: getEnvDuration("DOCKMON_RECONNECT_INITIAL", 1*time.Second),
		ReconnectMax:     getEnvDuration("DOCKMON_RECONNECT_MAX", 60*time.Second),

		MetricsInterval: getEnvDuration("DOCKMON_METRICS_INTERVAL", 30*time.Second),

		HealthCacheTTL:        getEnvDuration("DOCKMON_HEALTH_CACHE_TTL", 30*time.Second),
		HealthSafetyNetMax:    getEnvInt("DOCKMON_HEALTH_SAFETY_MAX", 12),
		HealthSafetyNetWindow: getEnvDuration("DOCKMON_HEALTH_SAFETY_WINDOW", 10*time.Minute),

		PullTimeout:     getEnvDuration("DOCKMON_PULL_TIMEOUT", 10*time.Minute),
		UpdateTimeout:   getEnvDuration("DOCKMON_UPDATE_TIMEOUT", 120*time.Second),
		StabilityWindow: getEnvDuration("DOCKMON_STABILITY_WINDOW", 3*time.Second),

		AlertRetryMax:      getEnvInt("DOCKMON_ALERT_RETRY_MAX", 5),
		AlertRetryBaseWait: getEnvDuration("DOCKMON_ALERT_RETRY_BASE", 30*time.Second),

		LogLevel: getEnvOrDefault("DOCKMON_LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("DOCKMON_LOG_FORMAT_JSON", false),
	}

	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("DOCKMON_SESSION_SECRET is required")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
