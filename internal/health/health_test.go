package health

import (
	"context"
	"encoding/json"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/agentchannel"
	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/store"
)

func TestParseStatusCodesSingle(t *testing.T) {
	got := parseStatusCodes("200")
	if !reflect.DeepEqual(got, []int{200}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseStatusCodesList(t *testing.T) {
	got := parseStatusCodes("200,201,204")
	if !reflect.DeepEqual(got, []int{200, 201, 204}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseStatusCodesRange(t *testing.T) {
	got := parseStatusCodes("200-203")
	if !reflect.DeepEqual(got, []int{200, 201, 202, 203}) {
		t.Fatalf("got %v", got)
	}
}

func TestParseStatusCodesEmptyDefaultsTo200(t *testing.T) {
	got := parseStatusCodes("")
	if !reflect.DeepEqual(got, []int{200}) {
		t.Fatalf("got %v", got)
	}
}

// TestEpisodeCap verifies scenario 3 from spec §8: failure_threshold=3,
// max_restart_attempts=3, restart_retry_delay_s=60. Attempt 1 fires
// immediately; attempt 2 requires 61s; attempt 3 requires another 61s;
// a 4th attempt is refused by the episode cap.
func TestEpisodeCap(t *testing.T) {
	cfg := store.ContainerHealthCheck{
		FailureThreshold: 3, MaxRestartAttempts: 3, RestartRetryDelayS: 60, AutoRestartOnFailure: true,
	}
	c := &Checker{nowFn: time.Now}
	st := &episodeState{currentStatus: "unhealthy"}

	now := time.Now()
	c.nowFn = func() time.Time { return now }
	if !c.shouldAttemptRestart(st, cfg) {
		t.Fatal("expected attempt 1 to fire immediately")
	}
	st.restartAttempts = 1
	st.lastRestartTime = now

	c.nowFn = func() time.Time { return now.Add(10 * time.Second) }
	if c.shouldAttemptRestart(st, cfg) {
		t.Fatal("expected no attempt before retry delay elapses")
	}

	c.nowFn = func() time.Time { return now.Add(61 * time.Second) }
	if !c.shouldAttemptRestart(st, cfg) {
		t.Fatal("expected attempt 2 after retry delay elapses")
	}
	st.restartAttempts = 2
	st.lastRestartTime = now.Add(61 * time.Second)

	c.nowFn = func() time.Time { return now.Add(122 * time.Second) }
	if !c.shouldAttemptRestart(st, cfg) {
		t.Fatal("expected attempt 3 after second retry delay elapses")
	}
	st.restartAttempts = 3

	c.nowFn = func() time.Time { return now.Add(183 * time.Second) }
	if c.shouldAttemptRestart(st, cfg) {
		t.Fatal("expected episode cap to refuse attempt 4")
	}
}

func TestSafetyNetOverridesEpisodeCap(t *testing.T) {
	cfg := store.ContainerHealthCheck{FailureThreshold: 1, MaxRestartAttempts: 100, RestartRetryDelayS: 0}
	now := time.Now()
	c := &Checker{nowFn: func() time.Time { return now }}
	st := &episodeState{currentStatus: "unhealthy"}
	for i := 0; i < episodeSafetyNetMax; i++ {
		st.restartHistory = append(st.restartHistory, now.Add(-time.Duration(i)*time.Second))
	}
	if c.shouldAttemptRestart(st, cfg) {
		t.Fatal("expected 10-minute safety net to refuse a 13th restart")
	}
}

type fakePusher struct {
	calls []pushedCall
}

type pushedCall struct {
	hostID, command string
	payload         any
}

func (p *fakePusher) Send(ctx context.Context, hostID, command string, payload any) (json.RawMessage, error) {
	p.calls = append(p.calls, pushedCall{hostID: hostID, command: command, payload: payload})
	return json.RawMessage(`{}`), nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", testLogger())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	host := &store.Host{ID: "host-1", Name: "host-1", URL: "unix:///var/run/docker.sock", ConnectionType: store.ConnectionLocal}
	if err := st.Hosts().Create(context.Background(), host); err != nil {
		t.Fatalf("create test host: %v", err)
	}
	return st
}

func TestUpsertPushesConfigToAgentForCheckFromAgent(t *testing.T) {
	st := newTestStore(t)
	pusher := &fakePusher{}
	c := New(testLogger(), st, nil, nil, nil, pusher)

	key, err := idkey.MakeCompositeKey("host-1", "abc123def456")
	if err != nil {
		t.Fatal(err)
	}
	cfg := store.ContainerHealthCheck{
		CompositeKey: key, HostID: "host-1", Enabled: true, URL: "http://x/healthz",
		Method: "GET", ExpectedStatusCodes: "200", TimeoutS: 5, IntervalS: 10,
		FailureThreshold: 3, SuccessThreshold: 2, CheckFrom: store.CheckFromAgent,
	}
	if err := c.Upsert(context.Background(), cfg); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if len(pusher.calls) != 1 {
		t.Fatalf("expected one push, got %d", len(pusher.calls))
	}
	if pusher.calls[0].command != agentchannel.CmdHealthCheckConfig {
		t.Fatalf("expected %s, got %s", agentchannel.CmdHealthCheckConfig, pusher.calls[0].command)
	}
	if pusher.calls[0].hostID != "host-1" {
		t.Fatalf("unexpected host: %s", pusher.calls[0].hostID)
	}
}

func TestUpsertDoesNotPushForCheckFromBackend(t *testing.T) {
	st := newTestStore(t)
	pusher := &fakePusher{}
	c := New(testLogger(), st, nil, nil, nil, pusher)

	key, err := idkey.MakeCompositeKey("host-1", "abc123def456")
	if err != nil {
		t.Fatal(err)
	}
	cfg := store.ContainerHealthCheck{CompositeKey: key, HostID: "host-1", CheckFrom: store.CheckFromBackend}
	if err := c.Upsert(context.Background(), cfg); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(pusher.calls) != 0 {
		t.Fatalf("expected no push for check_from=backend, got %d", len(pusher.calls))
	}
}

func TestRemovePushesRemovalToAgent(t *testing.T) {
	st := newTestStore(t)
	pusher := &fakePusher{}
	c := New(testLogger(), st, nil, nil, nil, pusher)

	key, err := idkey.MakeCompositeKey("host-1", "abc123def456")
	if err != nil {
		t.Fatal(err)
	}
	cfg := store.ContainerHealthCheck{CompositeKey: key, HostID: "host-1", CheckFrom: store.CheckFromAgent, Enabled: true}
	if err := st.HealthChecks().Upsert(context.Background(), &cfg); err != nil {
		t.Fatal(err)
	}

	if err := c.Remove(context.Background(), cfg); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(pusher.calls) != 1 || pusher.calls[0].command != agentchannel.CmdHealthCheckConfigRemove {
		t.Fatalf("expected one remove push, got %+v", pusher.calls)
	}

	if _, err := st.HealthChecks().Get(context.Background(), cfg.CompositeKey); err == nil {
		t.Fatal("expected config to be deleted")
	}
}

func TestHandleAgentResultDrivesStateMachine(t *testing.T) {
	st := newTestStore(t)
	c := New(testLogger(), st, nil, nil, nil, nil)

	key, err := idkey.MakeCompositeKey("host-1", "abc123def456")
	if err != nil {
		t.Fatal(err)
	}
	cfg := store.ContainerHealthCheck{
		CompositeKey: key, HostID: "host-1", Enabled: true, CheckFrom: store.CheckFromAgent,
		FailureThreshold: 1, SuccessThreshold: 1, CurrentStatus: "unknown",
	}
	if err := st.HealthChecks().Upsert(context.Background(), &cfg); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(map[string]any{
		"container_id": "abc123def456", "host_id": "host-1", "healthy": false, "status_code": 503, "error_message": "status 503",
	})
	c.HandleAgentResult(context.Background(), "host-1", payload)

	got, err := st.HealthChecks().Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStatus != "unhealthy" {
		t.Fatalf("expected unhealthy, got %s", got.CurrentStatus)
	}
}

