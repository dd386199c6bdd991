// Command dockmond is the DockMon daemon: it owns the persistent store,
// dials every configured host's Docker session, fans out container state
// and events to the Alert Engine and WebSocket Hub, runs the Health Checker
// and Update/Deploy executors, and accepts inbound agent connections.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dockmon/dockmon/internal/agentchannel"
	"github.com/dockmon/dockmon/internal/alert"
	"github.com/dockmon/dockmon/internal/api"
	"github.com/dockmon/dockmon/internal/audit"
	"github.com/dockmon/dockmon/internal/config"
	"github.com/dockmon/dockmon/internal/deploy"
	"github.com/dockmon/dockmon/internal/health"
	"github.com/dockmon/dockmon/internal/hub"
	"github.com/dockmon/dockmon/internal/logging"
	"github.com/dockmon/dockmon/internal/metrics"
	"github.com/dockmon/dockmon/internal/notify"
	"github.com/dockmon/dockmon/internal/pipeline"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
	"github.com/dockmon/dockmon/internal/update"
)

// wsBridge adapts the broadcast Hub into a pipeline.Subscriber, forwarding
// every snapshot/event/host-status change to WebSocket subscribers on the
// topics the client API documents (spec §6).
type wsBridge struct{ h *hub.Hub }

func (b wsBridge) OnSnapshot(s pipeline.Snapshot) {
	b.h.Publish("containers", "container_snapshot", s)
}

func (b wsBridge) OnEvent(e pipeline.Event) {
	b.h.Publish("containers", "container_event", e)
}

func (b wsBridge) OnHostStatusChanged(hostID string, online bool) {
	b.h.Publish("hosts", "host_status", map[string]any{"host_id": hostID, "online": online})
}

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logging.Nop().Fatal(err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StorePath, log)
	if err != nil {
		log.WithError(err).Fatal("dockmond: failed to open store")
	}
	defer st.Close()

	wsHub := hub.New(log)

	dispatcher := notify.New(log)
	dispatcher.Register("webhook", notify.NewWebhookTransport())
	dispatcher.Register("slack", notify.NewWebhookTransport())
	dispatcher.Register("discord", notify.NewWebhookTransport())

	alertEngine := alert.New(log, st, dispatcher, wsHub)
	if err := alertEngine.LoadRules(ctx); err != nil {
		log.WithError(err).Fatal("dockmond: failed to load alert rules")
	}

	auditSink := audit.StoreSink{Record_: func(ctx context.Context, at, actor, action, target, details string) error {
		return st.Audit().Record(ctx, &store.AuditEvent{At: at, Actor: actor, Action: action, Target: target, Details: details})
	}}
	actionTokens := alert.NewActionTokens(st, auditSink)

	updatingSet := update.NewUpdatingSet()

	// healthChecker is filled in once constructed below; agentSink closes
	// over the variable (not its zero value) since no event arrives before
	// then — the Checker needs the agent Hub as its AgentPusher, and the Hub
	// needs a sink to reach the Checker, so one side of the cycle is
	// necessarily wired after the other exists.
	var healthChecker *health.Checker
	agentSink := func(hostID, eventType string, payload []byte) {
		if eventType == agentchannel.EventHealthCheckResult && healthChecker != nil {
			healthChecker.HandleAgentResult(ctx, hostID, payload)
		}
	}
	agentHub := agentchannel.NewHub(log, agentchannel.NewStoreRegistrar(st.Hosts(), cfg.AgentEnrollmentSecret), agentSink)

	sessions := session.NewManager(st, log, agentHub.Factory(), 10*time.Second, cfg.ReconnectMax)

	restarter := health.NewSessionRestarter(sessions)
	healthChecker = health.New(log, st, restarter, wsHub, updatingSet, agentHub)

	auth := deployRegistryAuth(st)
	updater := update.New(log, st, sessions, wsHub, auth, updatingSet)
	deployer := deploy.New(log, st, sessions, wsHub, auth, deploy.Options{
		PullTimeout:     cfg.PullTimeout,
		StabilityWindow: cfg.StabilityWindow,
	})

	pl := pipeline.New(log, sessions, st, cfg.PollInterval)
	pl.Subscribe(alertEngine)
	pl.Subscribe(wsBridge{wsHub})

	metricsSampler := metrics.New(log, sessions, st, alertEngine, cfg.MetricsInterval)

	sessions.OnConnected(func(hostID string) {
		go pl.Run(ctx, hostID)
		go metricsSampler.Run(ctx, hostID)
	})

	hosts, err := st.Hosts().ListActive(ctx)
	if err != nil {
		log.WithError(err).Fatal("dockmond: failed to list active hosts")
	}
	for i := range hosts {
		h := hosts[i]
		if _, err := sessions.Ensure(ctx, &h); err != nil {
			log.WithError(err).WithField("host_id", h.ID).Warn("dockmond: failed to establish initial session")
		}
	}

	go healthChecker.Run(ctx)
	go alertEngine.RunRetryLoop(ctx, cfg.AlertRetryBaseWait)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHub.ServeUpgrade(hub.BearerAuthenticator(cfg.SessionSecret)))
	mux.HandleFunc("/agent", agentHub.ServeHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	api.New(log, st, sessions, updater, deployer, actionTokens).Mount(mux)

	srv := &http.Server{Addr: cfg.HTTPBindAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.HTTPBindAddr).Info("dockmond: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("dockmond: server error")
	}
	log.Info("dockmond: shut down")
}

// deployRegistryAuth is the per-image pull-credential callback shared between
// the Deploy Executor and the Update Pipeline. It always reports ok=false, so
// every pull is anonymous; no saved registry credentials are consulted.
func deployRegistryAuth(st *store.Store) func(image string) (string, string, bool) {
	return func(image string) (string, string, bool) {
		return "", "", false
	}
}
