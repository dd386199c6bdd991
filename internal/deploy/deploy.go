// Package deploy is the Deployment Executor: the 7-state machine driver,
// compose validation, image pull with layer progress, container creation
// with directive mapping, start/verify, and rollback (spec §4.5). Grounded
// on shared/compose/service.go's Deploy/pullSingleImage and
// compose-service/internal/server/server.go's progress-streaming pattern,
// adapted to push progress through the WebSocket Hub instead of SSE.
package deploy

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockmon/dockmon/internal/dockerr"
	"github.com/dockmon/dockmon/internal/health"
	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
)

// Broadcaster publishes deployment progress to WebSocket subscribers.
type Broadcaster interface {
	Publish(topic string, envelopeType string, data any)
}

// RegistryAuth resolves pull credentials for an image reference. Returning
// ok=false is treated as "no auth" (non-fatal), per spec §4.6's
// credential-callback contract reused here for deployment pulls.
type RegistryAuth func(image string) (user, pass string, ok bool)

type Options struct {
	PullTimeout     time.Duration
	StabilityWindow time.Duration
}

// Executor drives one deployment's state machine from pending to a
// terminal state.
type Executor struct {
	log      *logrus.Logger
	store    *store.Store
	sessions *session.Manager
	bcast    Broadcaster
	auth     RegistryAuth
	opts     Options
}

func New(log *logrus.Logger, st *store.Store, sessions *session.Manager, bcast Broadcaster, auth RegistryAuth, opts Options) *Executor {
	return &Executor{log: log, store: st, sessions: sessions, bcast: bcast, auth: auth, opts: opts}
}

// createdResource tracks what this run newly created, so rollback removes
// only resources this deployment is responsible for (spec §4.5's "created
// in this deployment" tracking requirement).
type createdResource struct {
	containerIDs []string
	volumes      []string
	networks     []string
}

// Run executes deploymentID end to end. deploymentID is the store's
// deployment primary key (composite "{host_id}:{deployment_name}" per
// idkey.MakeDeploymentKey); composeYAML is the raw compose document.
func (e *Executor) Run(ctx context.Context, hostID, deploymentID string, composeYAML []byte, rollbackOnFailure bool) {
	var created createdResource
	committed := false

	fail := func(stage string, cause error) {
		e.log.WithError(cause).WithField("deployment", deploymentID).Error("deployment failed")
		_ = e.store.Deployments().Transition(ctx, deploymentID, store.DeployFailed, 100, stage, nowISO())
		e.publish(deploymentID, "deployment_status", map[string]any{"status": "failed", "stage": stage, "error": cause.Error()})
		if !committed && rollbackOnFailure {
			e.rollback(ctx, hostID, deploymentID, created)
		}
	}

	sess, ok := e.sessions.Get(hostID)
	if !ok {
		fail("validating", dockerr.NewTransientError("no active session for host"))
		return
	}

	if err := e.store.Deployments().Transition(ctx, deploymentID, store.DeployValidating, 10, "validating", nowISO()); err != nil {
		fail("validating", err)
		return
	}
	cf, order, err := ParseAndValidate(composeYAML)
	if err != nil {
		fail("validating", err)
		return
	}

	if err := e.store.Deployments().Transition(ctx, deploymentID, store.DeployPullingImage, 25, "pulling_image", nowISO()); err != nil {
		fail("pulling_image", err)
		return
	}
	pullCtx, cancel := context.WithTimeout(ctx, e.opts.PullTimeout)
	defer cancel()
	for _, name := range order {
		svc := cf.Services[name]
		if svc.Image == "" {
			continue // build-only services are out of scope; nothing to pull
		}
		if err := e.pullWithProgress(pullCtx, sess.API, hostID, deploymentID, name, svc.Image); err != nil {
			fail("pulling_image", dockerr.CategorizeError(err))
			return
		}
	}

	if err := e.store.Deployments().Transition(ctx, deploymentID, store.DeployCreating, 55, "creating", nowISO()); err != nil {
		fail("creating", err)
		return
	}
	for _, name := range order {
		svc := cf.Services[name]
		spec, err := BuildContainerSpec(name, svc, map[string]string{"dockmon.deployment": deploymentID})
		if err != nil {
			fail("creating", dockerr.NewValidationError(err.Error()).WithEntity(name))
			return
		}

		for _, vol := range spec.NamedVolumes {
			if _, err := sess.API.VolumeCreate(ctx, volume.CreateOptions{Name: vol, Driver: "local"}); err != nil {
				fail("creating", dockerr.CategorizeError(err))
				return
			}
			created.volumes = append(created.volumes, vol)
		}

		netConfig, fellBack, err := e.resolveNetworks(ctx, sess.API, spec.Networks)
		if err != nil {
			fail("creating", dockerr.CategorizeError(err))
			return
		}
		if fellBack {
			e.log.WithField("service", name).Warn("referenced network not found, falling back to bridge")
		}

		resp, err := sess.API.ContainerCreate(ctx, spec.Config, spec.HostConfig, netConfig, &ocispec.Platform{}, fmt.Sprintf("%s_%s", deploymentID, name))
		if err != nil {
			fail("creating", dockerr.CategorizeError(err))
			return
		}
		created.containerIDs = append(created.containerIDs, resp.ID)

		compositeKey, err := idkey.MakeCompositeKey(hostID, idkey.NormalizeContainerID(resp.ID))
		if err != nil {
			fail("creating", err)
			return
		}
		if err := e.store.Deployments().UpsertMetadata(ctx, &store.DeploymentMetadata{
			ContainerCompositeKey: compositeKey,
			HostID:                hostID,
			DeploymentID:          sql.NullString{String: deploymentID, Valid: true},
			IsManaged:             true,
			ServiceName:           sql.NullString{String: name, Valid: true},
		}); err != nil {
			fail("creating", err)
			return
		}
		// Commitment point: container exists in Docker AND metadata is committed.
		committed = true
		if err := e.store.Deployments().SetCommitted(ctx, deploymentID, true); err != nil {
			e.log.WithError(err).Warn("failed to persist committed flag")
		}
	}

	if err := e.store.Deployments().Transition(ctx, deploymentID, store.DeployStarting, 80, "starting", nowISO()); err != nil {
		fail("starting", err)
		return
	}
	for _, cid := range created.containerIDs {
		if err := sess.API.ContainerStart(ctx, cid, container.StartOptions{}); err != nil {
			fail("starting", dockerr.CategorizeError(err))
			return
		}
	}

	for _, cid := range created.containerIDs {
		ok := health.WaitForContainerHealth(ctx, sess.API, cid, e.opts.PullTimeout, e.opts.StabilityWindow)
		if !ok {
			fail("starting", dockerr.NewTransientError(fmt.Sprintf("container %s failed to stabilize", cid)))
			return
		}
	}

	if err := e.store.Deployments().Transition(ctx, deploymentID, store.DeployRunning, 100, "running", nowISO()); err != nil {
		e.log.WithError(err).Warn("failed to persist running transition")
	}
	e.publish(deploymentID, "deployment_status", map[string]any{"status": "running"})
}

// resolveNetworks checks each referenced network exists on the host; a
// missing network falls back to bridge (never auto-created), per spec
// §9.5. Built-in networks (bridge/host/none) are assumed to always exist.
func (e *Executor) resolveNetworks(ctx context.Context, api session.DockerAPI, names []string) (*network.NetworkingConfig, bool, error) {
	if len(names) == 0 {
		return nil, false, nil
	}
	endpoints := map[string]*network.EndpointSettings{}
	fellBack := false
	for _, n := range names {
		if n == "bridge" || n == "host" || n == "none" {
			endpoints[n] = &network.EndpointSettings{}
			continue
		}
		if _, err := api.NetworkInspect(ctx, n, network.InspectOptions{}); err != nil {
			endpoints["bridge"] = &network.EndpointSettings{}
			fellBack = true
			continue
		}
		endpoints[n] = &network.EndpointSettings{}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}, fellBack, nil
}

// pullWithProgress streams ImagePull's JSON message stream and re-broadcasts
// it as deployment_layer_progress, grounded directly on
// shared/compose/service.go's pullSingleImage (throttled to avoid flooding
// the Hub's per-client queue).
func (e *Executor) pullWithProgress(ctx context.Context, api session.DockerAPI, hostID, deploymentID, serviceName, imageName string) error {
	var opts image.PullOptions
	if e.auth != nil {
		if user, pass, ok := e.auth(imageName); ok {
			opts.RegistryAuth = encodeRegistryAuth(user, pass)
		}
	}

	reader, err := api.ImagePull(ctx, imageName, opts)
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageName, err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var lastBroadcast time.Time
	const throttle = 250 * time.Millisecond

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var msg jsonmessage.JSONMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("pull error for %s: %s", imageName, msg.Error.Message)
		}
		isCompletion := msg.Status == "Pull complete" || msg.Status == "Already exists" || strings.HasPrefix(msg.Status, "Digest:")
		if !isCompletion && time.Since(lastBroadcast) < throttle {
			continue
		}
		lastBroadcast = time.Now()
		e.publish(deploymentID, "deployment_layer_progress", map[string]any{
			"host_id": hostID, "entity_id": deploymentID, "service": serviceName,
			"layer_id": msg.ID, "status": msg.Status, "progress": msg.Progress,
		})
	}
	return scanner.Err()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// encodeRegistryAuth builds the base64 JSON-encoded X-Registry-Auth header
// value ImagePull expects, following shared/compose/service.go's
// pullImagesWithProgress.
func encodeRegistryAuth(user, pass string) string {
	authJSON, err := json.Marshal(registry.AuthConfig{Username: user, Password: pass})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(authJSON)
}

func (e *Executor) publish(deploymentID, eventType string, data map[string]any) {
	if e.bcast == nil {
		return
	}
	e.bcast.Publish("deployments", eventType, data)
}

// rollback stops and removes the containers this deployment created. It
// removes no volumes or networks: named volumes recorded in created.volumes
// are left in place, as are any networks. Rollback failures are logged and
// do not override the terminal error.
func (e *Executor) rollback(ctx context.Context, hostID, deploymentID string, created createdResource) {
	sess, ok := e.sessions.Get(hostID)
	if !ok {
		e.log.WithField("deployment", deploymentID).Warn("rollback: no active session, skipping live cleanup")
	} else {
		for _, cid := range created.containerIDs {
			if err := sess.API.ContainerStop(ctx, cid, container.StopOptions{}); err != nil {
				e.log.WithError(err).WithField("container", cid).Warn("rollback: stop failed")
			}
			if err := sess.API.ContainerRemove(ctx, cid, container.RemoveOptions{Force: true}); err != nil {
				e.log.WithError(err).WithField("container", cid).Warn("rollback: remove failed")
			}
		}
	}
	if err := e.store.Deployments().Transition(ctx, deploymentID, store.DeployRolledBack, 100, "rolled_back", nowISO()); err != nil {
		e.log.WithError(err).Warn("rollback: failed to persist rolled_back transition")
	}
	e.publish(deploymentID, "deployment_status", map[string]any{"status": "rolled_back"})
}
