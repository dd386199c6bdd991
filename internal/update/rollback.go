package update

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
)

// CreateBackup stops the container being replaced and renames it out of the
// way so the new container can take its original name. The returned backup
// name is what RestoreBackup/RemoveBackup need afterward.
func CreateBackup(ctx context.Context, api session.DockerAPI, log *logrus.Logger, containerID, containerName string, stopTimeout int) (string, error) {
	backupName := fmt.Sprintf("%s-dockmon-backup-%d", containerName, time.Now().Unix())

	timeout := stopTimeout
	log.Debugf("update: stopping %s before backup rename", idkey.NormalizeContainerID(containerID))
	if err := api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		log.WithError(err).Warn("update: graceful stop failed, continuing with rename anyway")
	}

	log.Debugf("update: renaming %s to backup name %s", idkey.NormalizeContainerID(containerID), backupName)
	if err := api.ContainerRename(ctx, containerID, backupName); err != nil {
		return "", fmt.Errorf("rename to backup %s: %w", backupName, err)
	}

	log.Infof("update: created backup %s (original name %s)", backupName, containerName)
	return backupName, nil
}

// RestoreBackup reverses CreateBackup: it removes whatever half-created
// container now occupies the original name and puts the backup back in its
// place, running. Every failure here is logged at error level and swallowed
// rather than returned, since by the time this runs the caller has already
// decided the update failed and is on its way to reporting that — a second
// error mid-rollback must not mask the first.
func RestoreBackup(ctx context.Context, api session.DockerAPI, log *logrus.Logger, backupName, originalName string) {
	log.Warnf("update: restoring backup %s to %s", backupName, originalName)

	backupID, err := GetContainerByName(ctx, api, backupName)
	if err != nil || backupID == "" {
		log.WithError(err).Errorf("update: CRITICAL could not find backup container %s to restore", backupName)
		return
	}

	backupInspect, err := api.ContainerInspect(ctx, backupID)
	if err != nil {
		log.WithError(err).Errorf("update: CRITICAL could not inspect backup container %s", backupName)
		return
	}

	switch backupInspect.State.Status {
	case "running":
		log.Warn("update: backup is unexpectedly running, stopping before restore")
		timeout := 10
		if err := api.ContainerStop(ctx, backupID, container.StopOptions{Timeout: &timeout}); err != nil {
			_ = api.ContainerKill(ctx, backupID, "SIGKILL")
		}
	case "restarting", "dead":
		log.Warnf("update: backup in %s state, killing before restore", backupInspect.State.Status)
		_ = api.ContainerKill(ctx, backupID, "SIGKILL")
	}

	if existingID, _ := GetContainerByName(ctx, api, originalName); existingID != "" {
		log.Debugf("update: removing failed container %s to free the original name", idkey.NormalizeContainerID(existingID))
		_ = api.ContainerRemove(ctx, existingID, container.RemoveOptions{Force: true})
	}

	if err := api.ContainerRename(ctx, backupID, originalName); err != nil {
		log.WithError(err).Errorf("update: CRITICAL could not rename backup back to %s", originalName)
		return
	}

	if err := api.ContainerStart(ctx, backupID, container.StartOptions{}); err != nil {
		log.WithError(err).Errorf("update: CRITICAL could not start restored container %s", originalName)
		return
	}

	log.Warnf("update: rollback complete, %s is running again", originalName)
}

// RemoveBackup deletes the backup container after a successful update.
func RemoveBackup(ctx context.Context, api session.DockerAPI, log *logrus.Logger, backupName string) {
	backupID, err := GetContainerByName(ctx, api, backupName)
	if err != nil || backupID == "" {
		log.WithError(err).Warnf("update: backup container %s not found for post-update cleanup", backupName)
		return
	}
	if err := api.ContainerRemove(ctx, backupID, container.RemoveOptions{Force: true}); err != nil {
		log.WithError(err).Warnf("update: failed to remove backup container %s", backupName)
		return
	}
	log.Infof("update: removed backup container %s", backupName)
}

// GetContainerByName looks up a container by its exact name, returning ""
// (not an error) when nothing matches.
func GetContainerByName(ctx context.Context, api session.DockerAPI, name string) (string, error) {
	containers, err := api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return "", fmt.Errorf("list containers for name %s: %w", name, err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}
