// Package health is the HTTP Health Checker: a per-container probe loop
// grounded directly on agent/internal/handlers/healthcheck.go, extended with
// the backend-side failure/success state machine and auto-restart episode
// logic named in spec §4.4 (which the on-host agent probe loop does not
// itself implement).
package health

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docker/docker/api/types/container"

	"github.com/dockmon/dockmon/internal/agentchannel"
	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
	"github.com/dockmon/dockmon/pkg/dockertypes"
)

// authConfig mirrors agent/internal/handlers/healthcheck.go's AuthConfig.
type authConfig struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// Broadcaster publishes health-change events to WebSocket subscribers.
type Broadcaster interface {
	Publish(topic string, envelopeType string, data any)
}

// AgentPusher sends a command to a host's connected agent and returns its
// response payload, satisfied by (*agentchannel.Hub).Send. health only uses
// it for the two check_from=agent commands spec §4.10 names explicitly.
type AgentPusher interface {
	Send(ctx context.Context, hostID, command string, payload any) (json.RawMessage, error)
}

// Restarter issues a container restart through a host's active session.
type Restarter interface {
	Restart(ctx context.Context, hostID, compositeKey string) error
}

// UpdateGuard reports whether a container is mid-update. The Update
// Pipeline registers both the old and new composite key of a container it
// is recreating (spec §4.6 step 1) so this auto-restart loop never races
// the pipeline's own rollback by restarting a container it is replacing.
type UpdateGuard interface {
	IsUpdating(compositeKey string) bool
}

// episodeState is the per-container bookkeeping described in spec §4.4:
// consecutive counters, current status, and the restart episode/safety-net
// history.
type episodeState struct {
	consecutiveFailures  int
	consecutiveSuccesses int
	currentStatus        string // "healthy", "unhealthy", "unknown"
	restartAttempts      int       // attempts within the current unhealthy episode
	lastRestartTime      time.Time
	restartHistory       []time.Time // sliding 10-minute safety-net window
}

const (
	episodeSafetyNetWindow = 10 * time.Minute
	episodeSafetyNetMax    = 12
)

// Checker runs the periodic per-container HTTP probe loop and drives the
// auto-restart state machine on failure/recovery transitions.
type Checker struct {
	log       *logrus.Logger
	store     *store.Store
	restarter Restarter
	bcast     Broadcaster
	updating  UpdateGuard
	agents    AgentPusher
	client    *http.Client

	mu     sync.Mutex
	states map[string]*episodeState // composite key -> state
	nowFn  func() time.Time
}

func New(log *logrus.Logger, st *store.Store, restarter Restarter, bcast Broadcaster, updating UpdateGuard, agents AgentPusher) *Checker {
	return &Checker{
		log:       log,
		store:     st,
		restarter: restarter,
		bcast:     bcast,
		updating:  updating,
		agents:    agents,
		client:    &http.Client{},
		states:    make(map[string]*episodeState),
		nowFn:     time.Now,
	}
}

// Upsert persists a health check configuration and, for check_from=agent
// configs, pushes it down to the host's agent so the agent's own probe loop
// picks it up immediately instead of waiting for its next resync.
func (c *Checker) Upsert(ctx context.Context, cfg store.ContainerHealthCheck) error {
	if err := c.store.HealthChecks().Upsert(ctx, &cfg); err != nil {
		return err
	}
	if cfg.CheckFrom != store.CheckFromAgent {
		return nil
	}
	return c.pushConfig(ctx, cfg)
}

// Remove deletes a health check configuration and, for check_from=agent
// configs, tells the agent to stop probing it.
func (c *Checker) Remove(ctx context.Context, cfg store.ContainerHealthCheck) error {
	if err := c.store.HealthChecks().Remove(ctx, cfg.CompositeKey); err != nil {
		return err
	}
	if cfg.CheckFrom != store.CheckFromAgent {
		return nil
	}
	if c.agents == nil {
		return nil
	}
	_, shortID, err := idkey.ParseCompositeKey(cfg.CompositeKey)
	if err != nil {
		return err
	}
	_, err = c.agents.Send(ctx, cfg.HostID, agentchannel.CmdHealthCheckConfigRemove, dockertypes.HealthCheckConfigRemoval{ContainerID: shortID})
	return err
}

func (c *Checker) pushConfig(ctx context.Context, cfg store.ContainerHealthCheck) error {
	if c.agents == nil {
		return nil
	}
	_, shortID, err := idkey.ParseCompositeKey(cfg.CompositeKey)
	if err != nil {
		return err
	}
	payload := dockertypes.HealthCheckConfig{
		ContainerID:          shortID,
		HostID:               cfg.HostID,
		Enabled:              cfg.Enabled,
		URL:                  cfg.URL,
		Method:               cfg.Method,
		ExpectedStatusCodes:  cfg.ExpectedStatusCodes,
		TimeoutSeconds:       cfg.TimeoutS,
		CheckIntervalSeconds: cfg.IntervalS,
		FollowRedirects:      cfg.FollowRedirects,
		VerifySSL:            cfg.VerifySSL,
	}
	if cfg.Headers.Valid {
		payload.HeadersJSON = cfg.Headers.String
	}
	if cfg.Auth.Valid {
		payload.AuthConfigJSON = cfg.Auth.String
	}
	_, err = c.agents.Send(ctx, cfg.HostID, agentchannel.CmdHealthCheckConfig, payload)
	return err
}

// HandleAgentResult applies a health_check_result event pushed up from a
// host's agent through the same failure/success state machine and
// auto-restart rules a backend-run probe uses, so check_from=agent and
// check_from=backend configurations behave identically from here on.
func (c *Checker) HandleAgentResult(ctx context.Context, hostID string, payload []byte) {
	var res dockertypes.HealthCheckResult
	if err := json.Unmarshal(payload, &res); err != nil {
		c.log.WithError(err).WithField("host_id", hostID).Warn("health checker: malformed agent result")
		return
	}

	compositeKey, err := idkey.MakeCompositeKey(hostID, res.ContainerID)
	if err != nil {
		c.log.WithError(err).WithField("host_id", hostID).Warn("health checker: invalid agent result container id")
		return
	}

	cfg, err := c.store.HealthChecks().Get(ctx, compositeKey)
	if err != nil {
		c.log.WithError(err).WithField("composite_key", compositeKey).Warn("health checker: no config for agent result")
		return
	}

	c.record(ctx, *cfg, probeResult{healthy: res.Healthy, statusCode: res.StatusCode, err: res.ErrorMessage})
}

// Run polls the store for enabled check_from=backend configurations and
// runs each one on its own interval until ctx is cancelled. check_from=agent
// configurations are pushed to the host's agent by Upsert/Remove through the
// AgentPusher and are not probed here.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runDue(ctx, lastRun)
		}
	}
}

func (c *Checker) runDue(ctx context.Context, lastRun map[string]time.Time) {
	configs, err := c.store.HealthChecks().ListEnabled(ctx)
	if err != nil {
		c.log.WithError(err).Error("health checker: failed to list configs")
		return
	}
	now := c.nowFn()
	for _, cfg := range configs {
		if cfg.CheckFrom != store.CheckFromBackend {
			continue
		}
		last, ok := lastRun[cfg.CompositeKey]
		interval := time.Duration(cfg.IntervalS) * time.Second
		if ok && now.Sub(last) < interval {
			continue
		}
		lastRun[cfg.CompositeKey] = now
		go c.probe(ctx, cfg)
	}
}

type probeResult struct {
	healthy    bool
	statusCode int
	err        string
}

// probe performs one HTTP request and feeds the result through the
// failure/success state machine, grounded on
// agent/internal/handlers/healthcheck.go's performCheck.
func (c *Checker) probe(ctx context.Context, cfg store.ContainerHealthCheck) {
	result := c.doRequest(ctx, cfg)
	c.record(ctx, cfg, result)
}

func (c *Checker) doRequest(ctx context.Context, cfg store.ContainerHealthCheck) probeResult {
	transport := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL}}

	var checkRedirect func(req *http.Request, via []*http.Request) error
	if !cfg.FollowRedirects {
		checkRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	client := &http.Client{
		Transport:     transport,
		Timeout:       time.Duration(cfg.TimeoutS) * time.Second,
		CheckRedirect: checkRedirect,
	}
	defer client.CloseIdleConnections()

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
	if err != nil {
		return probeResult{err: fmt.Sprintf("failed to create request: %v", err)}
	}

	if cfg.Headers.Valid && cfg.Headers.String != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(cfg.Headers.String), &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	if cfg.Auth.Valid && cfg.Auth.String != "" {
		var auth authConfig
		if err := json.Unmarshal([]byte(cfg.Auth.String), &auth); err == nil {
			switch auth.Type {
			case "basic":
				req.SetBasicAuth(auth.Username, auth.Password)
			case "bearer":
				req.Header.Set("Authorization", "Bearer "+auth.Token)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return probeResult{err: classifyErr(ctx, err, cfg.TimeoutS)}
	}
	defer resp.Body.Close()

	codes := parseStatusCodes(cfg.ExpectedStatusCodes)
	for _, code := range codes {
		if resp.StatusCode == code {
			return probeResult{healthy: true, statusCode: resp.StatusCode}
		}
	}
	return probeResult{statusCode: resp.StatusCode, err: fmt.Sprintf("status %d", resp.StatusCode)}
}

func classifyErr(ctx context.Context, err error, timeoutS int) string {
	switch {
	case ctx.Err() != nil:
		return "request cancelled"
	case strings.Contains(err.Error(), "timeout"), strings.Contains(err.Error(), "deadline exceeded"):
		return fmt.Sprintf("timeout after %ds", timeoutS)
	case strings.Contains(err.Error(), "connection refused"):
		return "connection refused"
	case strings.Contains(err.Error(), "no such host"):
		return "host not found"
	default:
		msg := err.Error()
		if len(msg) > 100 {
			msg = msg[:100]
		}
		return fmt.Sprintf("connection failed: %s", msg)
	}
}

// parseStatusCodes supports individual codes ("200,201") and ranges
// ("200-299"), identical to agent/internal/handlers/healthcheck.go.
func parseStatusCodes(codes string) []int {
	if codes == "" {
		return []int{200}
	}
	var result []int
	for _, part := range strings.Split(codes, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			if len(rangeParts) == 2 {
				start, err1 := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
				end, err2 := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
				if err1 == nil && err2 == nil && start <= end {
					for i := start; i <= end; i++ {
						result = append(result, i)
					}
				}
			}
			continue
		}
		if code, err := strconv.Atoi(part); err == nil {
			result = append(result, code)
		}
	}
	if len(result) == 0 {
		return []int{200}
	}
	return result
}

// record applies one probe's result to the container's episode state,
// transitioning status on threshold crossings and driving auto-restart
// (spec §4.4's five numbered rules).
func (c *Checker) record(ctx context.Context, cfg store.ContainerHealthCheck, result probeResult) {
	c.mu.Lock()
	st, ok := c.states[cfg.CompositeKey]
	if !ok {
		st = &episodeState{currentStatus: "unknown"}
		c.states[cfg.CompositeKey] = st
	}

	if result.healthy {
		st.consecutiveSuccesses++
		st.consecutiveFailures = 0
	} else {
		st.consecutiveFailures++
		st.consecutiveSuccesses = 0
	}

	prevStatus := st.currentStatus
	transitioned := false

	if !result.healthy && st.consecutiveFailures >= cfg.FailureThreshold && st.currentStatus != "unhealthy" {
		st.currentStatus = "unhealthy"
		transitioned = true
	} else if result.healthy && st.consecutiveSuccesses >= cfg.SuccessThreshold && st.currentStatus != "healthy" {
		st.currentStatus = "healthy"
		// Rule 5: recovery clears the episode counter and last-restart timestamp.
		st.restartAttempts = 0
		st.lastRestartTime = time.Time{}
		transitioned = true
	}

	shouldRestart := false
	if st.currentStatus == "unhealthy" && cfg.AutoRestartOnFailure {
		if c.updating != nil && c.updating.IsUpdating(cfg.CompositeKey) {
			c.log.WithField("composite_key", cfg.CompositeKey).Debug("skipping auto-restart: container is mid-update")
		} else {
			shouldRestart = c.shouldAttemptRestart(st, cfg)
		}
	}
	if shouldRestart {
		st.restartAttempts++
		now := c.nowFn()
		st.lastRestartTime = now
		st.restartHistory = append(st.restartHistory, now)
		st.restartHistory = trimWindow(st.restartHistory, now)
	}
	c.mu.Unlock()

	if err := c.store.HealthChecks().UpdateStatus(ctx, cfg.CompositeKey, st.currentStatus); err != nil {
		c.log.WithError(err).WithField("composite_key", cfg.CompositeKey).Warn("failed to persist health status")
	}

	if transitioned {
		c.log.WithFields(logrus.Fields{"composite_key": cfg.CompositeKey, "from": prevStatus, "to": st.currentStatus}).Info("container health transitioned")
		if c.bcast != nil {
			c.bcast.Publish("health", "container_health_changed", map[string]any{
				"composite_key": cfg.CompositeKey, "host_id": cfg.HostID, "status": st.currentStatus,
			})
		}
	}

	if shouldRestart && c.restarter != nil {
		if err := c.restarter.Restart(ctx, cfg.HostID, cfg.CompositeKey); err != nil {
			c.log.WithError(err).WithField("composite_key", cfg.CompositeKey).Warn("auto-restart failed")
		}
	}
}

// shouldAttemptRestart applies rules 1-4: first attempt in an episode fires
// immediately; subsequent attempts require the retry delay to have elapsed;
// the episode cap bounds attempts per episode; the 10-minute safety net
// bounds attempts regardless of episode counters. Caller holds c.mu.
func (c *Checker) shouldAttemptRestart(st *episodeState, cfg store.ContainerHealthCheck) bool {
	now := c.nowFn()

	windowed := trimWindow(st.restartHistory, now)
	if len(windowed) >= episodeSafetyNetMax {
		return false
	}

	if st.restartAttempts >= cfg.MaxRestartAttempts {
		return false
	}

	if st.restartAttempts == 0 {
		return true // rule 1: first attempt, no delay
	}

	delay := time.Duration(cfg.RestartRetryDelayS) * time.Second
	return now.Sub(st.lastRestartTime) >= delay
}

func trimWindow(history []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-episodeSafetyNetWindow)
	out := history[:0:0]
	for _, t := range history {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// sessionRestarter adapts *session.Manager to the Restarter interface,
// resolving the host's active session and issuing a container restart
// through its DockerAPI.
type sessionRestarter struct {
	sessions *session.Manager
}

func NewSessionRestarter(sessions *session.Manager) Restarter {
	return &sessionRestarter{sessions: sessions}
}

func (r *sessionRestarter) Restart(ctx context.Context, hostID, compositeKey string) error {
	sess, ok := r.sessions.Get(hostID)
	if !ok {
		return fmt.Errorf("no active session for host %s", hostID)
	}
	_, shortID, err := idkey.ParseCompositeKey(compositeKey)
	if err != nil {
		return err
	}
	return sess.API.ContainerRestart(ctx, shortID, container.StopOptions{})
}
