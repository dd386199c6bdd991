// Command dockmon-agent runs on a fleet host that can't expose its Docker
// socket over mTLS directly: it dials out to a dockmond daemon's agent
// channel (spec §4.10) and stands in for a local Docker client from then on.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"

	"github.com/dockmon/dockmon/internal/agent"
	"github.com/dockmon/dockmon/internal/config"
	"github.com/dockmon/dockmon/internal/logging"
)

func main() {
	cfg, err := config.LoadAgentFromEnv()
	if err != nil {
		logging.Nop().Fatal(err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogJSON)

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		log.WithError(err).Fatal("agent: failed to construct Docker client")
	}
	defer docker.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := docker.Ping(ctx); err != nil {
		log.WithError(err).Fatal("agent: local Docker daemon unreachable")
	}

	log.WithField("daemon_url", cfg.DaemonURL).Info("agent: starting")
	agent.New(cfg, log, docker).Run(ctx)
	log.Info("agent: shut down")
	os.Exit(0)
}
