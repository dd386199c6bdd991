package update

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
)

// FindDependentContainers scans every container on the host for one whose
// NetworkMode points at the given container by name or ID (spec §4.6 step
// 6 — network_mode: container:X sharing). It inspects every container to do
// so since NetworkMode isn't part of the list summary.
func FindDependentContainers(ctx context.Context, api session.DockerAPI, log *logrus.Logger, parent *types.ContainerJSON, parentName, parentID string) ([]DependentContainer, error) {
	all, err := api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var dependents []DependentContainer
	for _, c := range all {
		if c.ID == parent.ID {
			continue
		}
		inspect, err := api.ContainerInspect(ctx, c.ID)
		if err != nil {
			log.WithError(err).Warnf("update: failed to inspect %s while scanning for dependents", idkey.NormalizeContainerID(c.ID))
			continue
		}

		networkMode := string(inspect.HostConfig.NetworkMode)
		isDependent := networkMode == "container:"+parentName ||
			networkMode == "container:"+parentID ||
			networkMode == "container:"+parent.ID

		if !isDependent {
			continue
		}

		imageName := inspect.Config.Image
		if imageName == "" {
			imageName = inspect.Image
		}
		depName := strings.TrimPrefix(inspect.Name, "/")
		log.Infof("update: found dependent container %s (network_mode: %s)", depName, networkMode)

		dependents = append(dependents, DependentContainer{
			Container:      inspect,
			Name:           depName,
			ID:             idkey.NormalizeContainerID(inspect.ID),
			Image:          imageName,
			OldNetworkMode: networkMode,
		})
	}
	return dependents, nil
}

// RecreateDependentContainers recreates every dependent against the parent's
// new container ID, continuing past individual failures and collecting
// their names for the caller to report rather than aborting the batch.
func RecreateDependentContainers(ctx context.Context, api session.DockerAPI, log *logrus.Logger, dependents []DependentContainer, newParentID string, stopTimeout int, isPodman bool) []string {
	var failed []string
	for _, dep := range dependents {
		if err := recreateDependentContainer(ctx, api, log, dep, newParentID, stopTimeout, isPodman); err != nil {
			log.WithError(err).Errorf("update: failed to recreate dependent container %s", dep.Name)
			failed = append(failed, dep.Name)
		}
	}
	return failed
}

func recreateDependentContainer(ctx context.Context, api session.DockerAPI, log *logrus.Logger, dep DependentContainer, newParentID string, stopTimeout int, isPodman bool) error {
	log.Infof("update: recreating dependent container %s", dep.Name)

	noLabels := map[string]string{}
	extracted, err := ExtractConfig(ctx, api, log, &dep.Container, dep.Image, noLabels, noLabels, isPodman)
	if err != nil {
		return fmt.Errorf("extract config for dependent %s: %w", dep.Name, err)
	}

	oldNetworkMode := string(extracted.HostConfig.NetworkMode)
	extracted.HostConfig.NetworkMode = container.NetworkMode("container:" + newParentID)
	log.Infof("update: dependent %s network_mode %s -> container:%s", dep.Name, oldNetworkMode, idkey.NormalizeContainerID(newParentID))

	timeout := stopTimeout
	if err := api.ContainerStop(ctx, dep.Container.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		_ = api.ContainerKill(ctx, dep.Container.ID, "SIGKILL")
	}

	tempName := fmt.Sprintf("%s-dockmon-temp-%d", dep.Name, time.Now().Unix())
	if err := api.ContainerRename(ctx, dep.Container.ID, tempName); err != nil {
		return fmt.Errorf("rename dependent %s to temp name: %w", dep.Name, err)
	}

	newResp, err := api.ContainerCreate(ctx, extracted.Config, extracted.HostConfig, nil, nil, dep.Name)
	if err != nil {
		_ = api.ContainerRename(ctx, dep.Container.ID, dep.Name)
		_ = api.ContainerStart(ctx, dep.Container.ID, container.StartOptions{})
		return fmt.Errorf("create new dependent %s: %w", dep.Name, err)
	}
	newID := newResp.ID

	for netName, endpoint := range extracted.AdditionalNets {
		_ = api.NetworkConnect(ctx, netName, newID, endpoint)
	}

	restoreOriginal := func() {
		stopT := 10
		_ = api.ContainerStop(ctx, newID, container.StopOptions{Timeout: &stopT})
		_ = api.ContainerRemove(ctx, newID, container.RemoveOptions{Force: true})
		_ = api.ContainerRename(ctx, dep.Container.ID, dep.Name)
		_ = api.ContainerStart(ctx, dep.Container.ID, container.StartOptions{})
	}

	if err := api.ContainerStart(ctx, newID, container.StartOptions{}); err != nil {
		restoreOriginal()
		return fmt.Errorf("start new dependent %s: %w", dep.Name, err)
	}

	time.Sleep(3 * time.Second)
	newInspect, err := api.ContainerInspect(ctx, newID)
	if err != nil || !newInspect.State.Running {
		restoreOriginal()
		return fmt.Errorf("new dependent %s failed to reach running state", dep.Name)
	}

	if tempID, _ := GetContainerByName(ctx, api, tempName); tempID != "" {
		_ = api.ContainerRemove(ctx, tempID, container.RemoveOptions{Force: true})
	}

	log.Infof("update: recreated dependent container %s (new id %s)", dep.Name, idkey.NormalizeContainerID(newID))
	return nil
}
