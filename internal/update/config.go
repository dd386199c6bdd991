package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/session"
)

// ExtractConfig builds the recreation config for the new container: a
// struct copy of the old Config/HostConfig (preserving every field Docker
// doesn't expose a setter for — DeviceRequests, Healthcheck, Tmpfs, ...)
// with the image swapped and user labels recovered by diffing against the
// old image's own label defaults (spec §4.6 step 4).
func ExtractConfig(ctx context.Context, api session.DockerAPI, log *logrus.Logger, inspect *types.ContainerJSON, newImage string, oldImageLabels, newImageLabels map[string]string, isPodman bool) (*ExtractedConfig, error) {
	newConfig := *inspect.Config
	newConfig.Image = newImage

	newHostConfig := *inspect.HostConfig

	if isPodman {
		applyPodmanFixes(log, &newHostConfig)
	}

	networkMode := string(newHostConfig.NetworkMode)
	if strings.HasPrefix(networkMode, "container:") {
		newConfig.Hostname = ""
		newConfig.Domainname = ""
		newConfig.MacAddress = ""
		newConfig.ExposedPorts = nil
		newHostConfig.PortBindings = nil
	}

	if err := resolveNetworkMode(ctx, api, log, &newHostConfig); err != nil {
		log.WithError(err).Warn("failed to resolve network_mode reference, using as-is")
	}

	newConfig.Labels = extractUserLabels(log, newConfig.Labels, oldImageLabels)

	primaryNetConfig, additionalNetworks := extractNetworkConfig(log, inspect)

	return &ExtractedConfig{
		Config:           &newConfig,
		HostConfig:       &newHostConfig,
		NetworkingConfig: primaryNetConfig,
		AdditionalNets:   additionalNetworks,
		ContainerName:    strings.TrimPrefix(inspect.Name, "/"),
	}, nil
}

// applyPodmanFixes adjusts HostConfig fields Podman rejects or ignores.
func applyPodmanFixes(log *logrus.Logger, hostConfig *container.HostConfig) {
	if hostConfig.NanoCPUs > 0 && hostConfig.CPUPeriod == 0 {
		cpuPeriod := int64(100000)
		hostConfig.CPUQuota = int64(float64(hostConfig.NanoCPUs) / 1e9 * float64(cpuPeriod))
		hostConfig.CPUPeriod = cpuPeriod
		hostConfig.NanoCPUs = 0
	}
	if hostConfig.Resources.MemorySwappiness != nil {
		hostConfig.Resources.MemorySwappiness = nil
	}
}

// resolveNetworkMode converts a NetworkMode of "container:<id>" to
// "container:<name>", since the referenced ID may belong to a container
// that gets recreated with a new ID before this one is restarted.
func resolveNetworkMode(ctx context.Context, api session.DockerAPI, log *logrus.Logger, hostConfig *container.HostConfig) error {
	networkMode := string(hostConfig.NetworkMode)
	if !strings.HasPrefix(networkMode, "container:") {
		return nil
	}
	refID := strings.TrimPrefix(networkMode, "container:")
	ref, err := api.ContainerInspect(ctx, refID)
	if err != nil {
		return fmt.Errorf("resolve network_mode reference %s: %w", refID, err)
	}
	hostConfig.NetworkMode = container.NetworkMode("container:" + strings.TrimPrefix(ref.Name, "/"))
	return nil
}

// extractUserLabels keeps only labels the user added or overrode on top of
// the old image's own defaults: a label absent from oldImageLabels, or
// present with a different value, survives; everything else (an untouched
// image default) is dropped so the new image's own defaults take over.
// Comparison is exact (case-sensitive, including whitespace) and never
// mutates either input map, per spec §4.6 step 4.
func extractUserLabels(log *logrus.Logger, containerLabels, oldImageLabels map[string]string) map[string]string {
	userLabels := make(map[string]string, len(containerLabels))
	for key, value := range containerLabels {
		imageValue, existsInImage := oldImageLabels[key]
		if !existsInImage || value != imageValue {
			userLabels[key] = value
		}
	}
	log.WithFields(logrus.Fields{
		"container_labels": len(containerLabels), "image_defaults": len(oldImageLabels), "preserved": len(userLabels),
	}).Debug("update: label filtering")
	return userLabels
}

// extractNetworkConfig splits the old container's custom (non-builtin)
// network attachments into a primary one (set at create time, if it
// carries static IP/alias/link config) and the rest (connected after
// creation).
func extractNetworkConfig(log *logrus.Logger, inspect *types.ContainerJSON) (*network.NetworkingConfig, map[string]*network.EndpointSettings) {
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Networks == nil {
		return nil, nil
	}
	networks := inspect.NetworkSettings.Networks
	networkMode := string(inspect.HostConfig.NetworkMode)
	if strings.HasPrefix(networkMode, "container:") || networkMode == "host" || networkMode == "none" {
		return nil, nil
	}

	custom := make(map[string]*network.EndpointSettings)
	for name, data := range networks {
		if name != "bridge" && name != "host" && name != "none" {
			custom[name] = data
		}
	}
	if len(custom) == 0 {
		return nil, nil
	}

	primary := networkMode
	if primary == "" || primary == "default" {
		primary = "bridge"
	}
	if _, ok := custom[primary]; !ok {
		for name := range custom {
			primary = name
			break
		}
	}

	var primaryConfig *network.NetworkingConfig
	additional := make(map[string]*network.EndpointSettings)
	for name, data := range custom {
		endpoint := buildEndpointConfig(data)
		if name == primary {
			if endpoint.IPAMConfig != nil || len(endpoint.Aliases) > 0 || len(endpoint.Links) > 0 {
				primaryConfig = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{name: endpoint}}
			}
		} else {
			additional[name] = endpoint
		}
	}
	if len(additional) == 0 {
		additional = nil
	} else {
		log.Debugf("update: %d additional network(s) to connect post-creation", len(additional))
	}
	return primaryConfig, additional
}

// buildEndpointConfig copies only user-set fields off an observed endpoint:
// static IPs, non-autogenerated aliases (Docker appends a 12-char short-ID
// alias to every endpoint; that one must not be replayed), and links.
func buildEndpointConfig(data *network.EndpointSettings) *network.EndpointSettings {
	endpoint := &network.EndpointSettings{}
	if data.IPAMConfig != nil {
		ipam := &network.EndpointIPAMConfig{
			IPv4Address: data.IPAMConfig.IPv4Address,
			IPv6Address: data.IPAMConfig.IPv6Address,
		}
		if ipam.IPv4Address != "" || ipam.IPv6Address != "" {
			endpoint.IPAMConfig = ipam
		}
	}
	if len(data.Aliases) > 0 {
		var userAliases []string
		for _, alias := range data.Aliases {
			if len(alias) != 12 {
				userAliases = append(userAliases, alias)
			}
		}
		if len(userAliases) > 0 {
			endpoint.Aliases = userAliases
		}
	}
	if len(data.Links) > 0 {
		endpoint.Links = data.Links
	}
	return endpoint
}

// GetImageLabels returns the labels baked into an image by its Dockerfile.
func GetImageLabels(ctx context.Context, api session.DockerAPI, imageRef string) (map[string]string, error) {
	img, _, err := api.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", imageRef, err)
	}
	if img.Config == nil || img.Config.Labels == nil {
		return map[string]string{}, nil
	}
	return img.Config.Labels, nil
}
