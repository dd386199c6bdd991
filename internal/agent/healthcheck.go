package agent

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

	"github.com/dockmon/dockmon/internal/agentchannel"
	"github.com/dockmon/dockmon/pkg/dockertypes"
)

// healthCheckHandler runs every check_from=agent probe the daemon has pushed
// down, one ticker loop shared across all of them with each due probe run in
// its own goroutine — grounded
// on agent/internal/handlers/healthcheck.go's HealthCheckHandler, trimmed to
// this module's HealthCheckConfig/Result wire shapes.
type healthCheckHandler struct {
	log       *logrus.Logger
	sendEvent func(command string, payload any) error

	mu      sync.Mutex
	configs map[string]dockertypes.HealthCheckConfig

	httpClient *http.Client
}

func newHealthCheckHandler(log *logrus.Logger, sendEvent func(string, any) error) *healthCheckHandler {
	return &healthCheckHandler{
		log:        log,
		sendEvent:  sendEvent,
		configs:    make(map[string]dockertypes.HealthCheckConfig),
		httpClient: &http.Client{},
	}
}

func (h *healthCheckHandler) upsert(payload json.RawMessage) error {
	var cfg dockertypes.HealthCheckConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !cfg.Enabled {
		delete(h.configs, cfg.ContainerID)
		return nil
	}
	h.configs[cfg.ContainerID] = cfg
	return nil
}

func (h *healthCheckHandler) remove(payload json.RawMessage) error {
	var req dockertypes.HealthCheckConfigRemoval
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.configs, req.ContainerID)
	return nil
}

// run ticks once a second, checking each configured container whose own
// interval has elapsed since its last probe — the same cadence as the
// teacher's healthCheckLoop.
func (h *healthCheckHandler) run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.mu.Lock()
			due := make([]dockertypes.HealthCheckConfig, 0, len(h.configs))
			for id, cfg := range h.configs {
				interval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
				if interval <= 0 {
					interval = 30 * time.Second
				}
				if now.Sub(lastRun[id]) >= interval {
					due = append(due, cfg)
					lastRun[id] = now
				}
			}
			h.mu.Unlock()

			for _, cfg := range due {
				go h.performCheck(cfg)
			}
		}
	}
}

func (h *healthCheckHandler) performCheck(cfg dockertypes.HealthCheckConfig) {
	result := dockertypes.HealthCheckResult{
		ContainerID: cfg.ContainerID,
		HostID:      cfg.HostID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := *h.httpClient
	client.Timeout = timeout
	if !cfg.VerifySSL {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequest(method, cfg.URL, nil)
	if err != nil {
		result.ErrorMessage = err.Error()
		h.send(result)
		return
	}

	if cfg.HeadersJSON != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(cfg.HeadersJSON), &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}
	if cfg.AuthConfigJSON != "" {
		var auth struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Bearer   string `json:"bearer"`
		}
		if err := json.Unmarshal([]byte(cfg.AuthConfigJSON), &auth); err == nil {
			if auth.Bearer != "" {
				req.Header.Set("Authorization", "Bearer "+auth.Bearer)
			} else if auth.Username != "" {
				req.SetBasicAuth(auth.Username, auth.Password)
			}
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		result.ErrorMessage = err.Error()
		h.send(result)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	expected := parseStatusCodes(cfg.ExpectedStatusCodes)
	result.Healthy = expected[resp.StatusCode]
	if !result.Healthy {
		result.ErrorMessage = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
	}
	h.send(result)
}

func (h *healthCheckHandler) send(result dockertypes.HealthCheckResult) {
	if err := h.sendEvent(agentchannel.EventHealthCheckResult, result); err != nil {
		h.log.WithError(err).Warn("agent: failed to push health check result")
	}
}

// parseStatusCodes accepts a comma-separated list of codes and/or ranges
// ("200,301-303"), defaulting to {200} when spec is empty or unparseable —
// same rule as the teacher's own parseStatusCodes.
func parseStatusCodes(spec string) map[int]bool {
	out := make(map[int]bool)
	spec = strings.TrimSpace(spec)
	if spec == "" {
		out[200] = true
		return out
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			if len(bounds) != 2 {
				continue
			}
			lo, errLo := strconv.Atoi(strings.TrimSpace(bounds[0]))
			hi, errHi := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if errLo != nil || errHi != nil || lo > hi {
				continue
			}
			for code := lo; code <= hi; code++ {
				out[code] = true
			}
			continue
		}
		if code, err := strconv.Atoi(part); err == nil {
			out[code] = true
		}
	}
	if len(out) == 0 {
		out[200] = true
	}
	return out
}
