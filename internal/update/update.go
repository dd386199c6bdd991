package update

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/dockerr"
	"github.com/dockmon/dockmon/internal/health"
	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
)

// Broadcaster publishes update progress to WebSocket subscribers.
type Broadcaster interface {
	Publish(topic string, envelopeType string, data any)
}

const (
	defaultStopTimeout   = 30
	defaultHealthTimeout = 120 * time.Second
)

// Executor runs the per-container update flow of spec §4.6.
type Executor struct {
	log      *logrus.Logger
	store    *store.Store
	sessions *session.Manager
	bcast    Broadcaster
	auth     RegistryAuth
	updating *UpdatingSet
}

func New(log *logrus.Logger, st *store.Store, sessions *session.Manager, bcast Broadcaster, auth RegistryAuth, updating *UpdatingSet) *Executor {
	return &Executor{log: log, store: st, sessions: sessions, bcast: bcast, auth: auth, updating: updating}
}

// Run executes one container update end to end and returns its outcome. It
// never returns an error itself — every failure is captured in Result.Error,
// matching the teacher's non-raising Update() contract so a caller driving a
// batch of updates never needs per-call error handling.
func (e *Executor) Run(ctx context.Context, req Request) *Result {
	if req.StopTimeout == 0 {
		req.StopTimeout = defaultStopTimeout
	}
	healthTimeout := defaultHealthTimeout
	if req.HealthTimeout > 0 {
		healthTimeout = time.Duration(req.HealthTimeout) * time.Second
	}

	e.log.WithFields(logrus.Fields{"container_id": idkey.NormalizeContainerID(req.ContainerID), "new_image": req.NewImage}).Info("update: starting container update")

	sess, ok := e.sessions.Get(req.HostID)
	if !ok {
		return e.failResult(req.ContainerID, fmt.Errorf("no active session for host %s", req.HostID))
	}
	opts := DetectOptions(ctx, sess.API, e.log)

	e.publishStage(req.CompositeKey, StagePulling, "pulling new image")
	if err := e.pullWithProgress(ctx, sess.API, req.CompositeKey, req.NewImage); err != nil {
		return e.failResult(req.ContainerID, err)
	}

	e.publishStage(req.CompositeKey, StageConfiguring, "reading container configuration")
	oldContainer, err := sess.API.ContainerInspect(ctx, req.ContainerID)
	if err != nil {
		return e.failResult(req.ContainerID, fmt.Errorf("inspect container: %w", err))
	}
	wasRunning := oldContainer.State != nil && oldContainer.State.Running

	oldImageLabels, err := GetImageLabels(ctx, sess.API, oldContainer.Image)
	if err != nil {
		e.log.WithError(err).Warn("update: failed to read old image labels, continuing without label filtering")
		oldImageLabels = map[string]string{}
	}
	newImageLabels, err := GetImageLabels(ctx, sess.API, req.NewImage)
	if err != nil {
		e.log.WithError(err).Warn("update: failed to read new image labels, continuing without label filtering")
		newImageLabels = map[string]string{}
	}

	containerName := strings.TrimPrefix(oldContainer.Name, "/")
	dependents, err := FindDependentContainers(ctx, sess.API, e.log, &oldContainer, containerName, req.ContainerID)
	if err != nil {
		e.log.WithError(err).Warn("update: failed to scan for dependent containers, continuing")
	}
	if len(dependents) > 0 {
		e.log.Infof("update: found %d dependent container(s) sharing the network namespace of %s", len(dependents), containerName)
	}

	extracted, err := ExtractConfig(ctx, sess.API, e.log, &oldContainer, req.NewImage, oldImageLabels, newImageLabels, opts.IsPodman)
	if err != nil {
		return e.failResult(req.ContainerID, err)
	}

	e.publishStage(req.CompositeKey, StageBackup, "stopping container and creating backup")
	backupName, err := CreateBackup(ctx, sess.API, e.log, req.ContainerID, containerName, req.StopTimeout)
	if err != nil {
		return e.failResult(req.ContainerID, err)
	}

	e.publishStage(req.CompositeKey, StageCreating, "creating new container")
	createNetConfig := extracted.NetworkingConfig
	if !opts.SupportsNetworkingConfig {
		createNetConfig = nil
	}
	newResp, err := sess.API.ContainerCreate(ctx, extracted.Config, extracted.HostConfig, createNetConfig, nil, containerName)
	if err != nil {
		RestoreBackup(ctx, sess.API, e.log, backupName, containerName)
		return e.failResult(req.ContainerID, fmt.Errorf("create new container: %w", err))
	}
	newContainerID := newResp.ID

	newCompositeKey, err := idkey.MakeCompositeKey(req.HostID, idkey.NormalizeContainerID(newContainerID))
	if err != nil {
		sess.API.ContainerRemove(ctx, newContainerID, container.RemoveOptions{Force: true})
		RestoreBackup(ctx, sess.API, e.log, backupName, containerName)
		return e.failResult(req.ContainerID, err)
	}

	// Register both keys before anything touches the new container, so the
	// Health Checker's auto-restart loop never races this executor's own
	// rollback (spec §4.6 step 1).
	e.updating.Add(req.CompositeKey, newCompositeKey)
	defer e.updating.Remove(req.CompositeKey, newCompositeKey)

	if !opts.SupportsNetworkingConfig && extracted.NetworkingConfig != nil {
		for name, endpoint := range extracted.NetworkingConfig.EndpointsConfig {
			if err := sess.API.NetworkConnect(ctx, name, newContainerID, endpoint); err != nil {
				e.log.WithError(err).Errorf("update: failed to connect primary network %s", name)
				sess.API.ContainerRemove(ctx, newContainerID, container.RemoveOptions{Force: true})
				RestoreBackup(ctx, sess.API, e.log, backupName, containerName)
				return e.failResult(req.ContainerID, fmt.Errorf("connect primary network %s: %w", name, err))
			}
		}
	}
	for name, endpoint := range extracted.AdditionalNets {
		if err := sess.API.NetworkConnect(ctx, name, newContainerID, endpoint); err != nil {
			e.log.WithError(err).Warnf("update: failed to connect additional network %s, continuing", name)
		}
	}

	e.publishStage(req.CompositeKey, StageStarting, "starting new container")
	if err := sess.API.ContainerStart(ctx, newContainerID, container.StartOptions{}); err != nil {
		sess.API.ContainerRemove(ctx, newContainerID, container.RemoveOptions{Force: true})
		RestoreBackup(ctx, sess.API, e.log, backupName, containerName)
		return e.failResult(req.ContainerID, fmt.Errorf("start new container: %w", err))
	}

	e.publishStage(req.CompositeKey, StageHealthCheck, "waiting for the new container to become healthy")
	if !health.WaitForContainerHealth(ctx, sess.API, newContainerID, healthTimeout, 3*time.Second) {
		e.log.Warn("update: health check failed, rolling back to previous container")
		stopTimeout := req.StopTimeout
		sess.API.ContainerStop(ctx, newContainerID, container.StopOptions{Timeout: &stopTimeout})
		sess.API.ContainerRemove(ctx, newContainerID, container.RemoveOptions{Force: true})
		RestoreBackup(ctx, sess.API, e.log, backupName, containerName)
		return e.failResultRolledBack(req.ContainerID, fmt.Errorf("new container failed its health check"))
	}

	if !wasRunning {
		e.log.Info("update: container was stopped before the update, restoring that state")
		stopTimeout := req.StopTimeout
		if err := sess.API.ContainerStop(ctx, newContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
			e.log.WithError(err).Warn("update: failed to re-stop container to match its pre-update state")
		}
	}

	var failedDeps []string
	if len(dependents) > 0 {
		e.publishStage(req.CompositeKey, StageDependents, fmt.Sprintf("recreating %d dependent container(s)", len(dependents)))
		failedDeps = RecreateDependentContainers(ctx, sess.API, e.log, dependents, newContainerID, req.StopTimeout, opts.IsPodman)
		if len(failedDeps) > 0 {
			e.log.Warnf("update: failed to recreate dependent containers: %v", failedDeps)
		}
	}

	e.migrateIdentity(ctx, req.CompositeKey, newCompositeKey, req.HostID)

	e.publishStage(req.CompositeKey, StageCleanup, "removing backup container")
	RemoveBackup(ctx, sess.API, e.log, backupName)

	e.publishStage(req.CompositeKey, StageCompleted, fmt.Sprintf("update complete, new container %s", idkey.NormalizeContainerID(newContainerID)))
	e.log.WithFields(logrus.Fields{
		"old_container": idkey.NormalizeContainerID(req.ContainerID),
		"new_container": idkey.NormalizeContainerID(newContainerID),
		"name":          containerName,
	}).Info("update: container update completed successfully")

	return &Result{
		Success:          true,
		OldContainerID:   idkey.NormalizeContainerID(req.ContainerID),
		NewContainerID:   idkey.NormalizeContainerID(newContainerID),
		NewCompositeKey:  newCompositeKey,
		ContainerName:    containerName,
		FailedDependents: failedDeps,
	}
}

// migrateIdentity moves tag assignments and deployment metadata from the old
// composite key to the new one (spec §4.6 step 6). Failures are logged, not
// fatal — the update itself already succeeded by the time this runs.
func (e *Executor) migrateIdentity(ctx context.Context, oldKey, newKey, hostID string) {
	if err := e.store.Tags().ReassignSubject(ctx, store.SubjectContainer, oldKey, newKey); err != nil {
		e.log.WithError(err).Warn("update: failed to migrate tag assignments to new composite key")
	}
	if err := e.store.Deployments().RenameCompositeKey(ctx, oldKey, newKey); err != nil {
		e.log.WithError(err).Warn("update: failed to migrate deployment metadata to new composite key")
	}
	if err := e.store.Updates().RenameKey(ctx, oldKey, newKey); err != nil {
		e.log.WithError(err).Warn("update: failed to migrate update-check record to new composite key")
	}
}

func (e *Executor) failResult(containerID string, err error) *Result {
	e.log.WithError(err).Warn("update: container update failed")
	return &Result{Success: false, OldContainerID: idkey.NormalizeContainerID(containerID), Error: dockerr.CategorizeError(err).Error()}
}

func (e *Executor) failResultRolledBack(containerID string, err error) *Result {
	e.log.WithError(err).Warn("update: container update failed and was rolled back")
	return &Result{Success: false, RolledBack: true, OldContainerID: idkey.NormalizeContainerID(containerID), Error: dockerr.CategorizeError(err).Error()}
}

func (e *Executor) publishStage(compositeKey, stage, message string) {
	if e.bcast == nil {
		return
	}
	e.bcast.Publish("updates", "update_status", map[string]any{"entity_id": compositeKey, "stage": stage, "message": message})
}

// pullWithProgress mirrors internal/deploy's pull loop but publishes under
// the update pipeline's own event type, per spec §4.6 step 3's requirement
// that container_update_layer_progress stay distinct from the deployment
// executor's deployment_layer_progress.
func (e *Executor) pullWithProgress(ctx context.Context, api session.DockerAPI, compositeKey, imageName string) error {
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
		if e.bcast != nil {
			e.bcast.Publish("updates", "container_update_layer_progress", map[string]any{
				"entity_id": compositeKey, "layer_id": msg.ID, "status": msg.Status, "progress": msg.Progress,
			})
		}
	}
	return scanner.Err()
}

func encodeRegistryAuth(user, pass string) string {
	authJSON, err := json.Marshal(registry.AuthConfig{Username: user, Password: pass})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(authJSON)
}
