package update

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/session"
)

// DetectOptions inspects a live host session for runtime quirks the update
// executor needs to account for: whether it's talking to Podman instead of
// Docker, and whether the daemon's API is new enough to accept network
// config at container-create time rather than requiring a post-create
// NetworkConnect.
func DetectOptions(ctx context.Context, api session.DockerAPI, log *logrus.Logger) Options {
	var opts Options

	isPodman, err := detectPodman(ctx, api)
	if err != nil {
		log.WithError(err).Warn("update: failed to detect Podman, assuming Docker")
	}
	opts.IsPodman = isPodman
	if isPodman {
		log.Info("update: detected Podman runtime, applying compatibility fixes")
	}

	supportsNetworkingConfig, apiVersion, err := detectNetworkingConfigSupport(ctx, api)
	if err != nil {
		log.WithError(err).Warn("update: failed to detect API version, assuming legacy networking mode")
	}
	opts.SupportsNetworkingConfig = supportsNetworkingConfig
	if supportsNetworkingConfig {
		log.Infof("update: API %s supports networking_config at create time", apiVersion)
	} else {
		log.Infof("update: API %s requires a post-create NetworkConnect", apiVersion)
	}

	return opts
}

// detectPodman checks two independent signals — the OS string a Podman
// daemon reports, and a "podman" server-version component — since either
// alone has been seen to be absent depending on Podman version.
func detectPodman(ctx context.Context, api session.DockerAPI) (bool, error) {
	info, err := api.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("get info: %w", err)
	}
	if strings.Contains(strings.ToLower(info.OperatingSystem), "podman") {
		return true, nil
	}

	version, err := api.ServerVersion(ctx)
	if err == nil {
		for _, comp := range version.Components {
			if strings.ToLower(comp.Name) == "podman" {
				return true, nil
			}
		}
	}
	return false, nil
}

// detectNetworkingConfigSupport returns true for API >= 1.44, the version
// that added support for connecting a non-default network at create time.
func detectNetworkingConfigSupport(ctx context.Context, api session.DockerAPI) (bool, string, error) {
	apiVersion, err := getAPIVersion(ctx, api)
	if err != nil {
		return false, "", err
	}

	parts := strings.SplitN(apiVersion, ".", 3)
	if len(parts) < 2 {
		return false, apiVersion, fmt.Errorf("invalid API version format: %s", apiVersion)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false, apiVersion, fmt.Errorf("invalid API major version: %s", parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, apiVersion, fmt.Errorf("invalid API minor version: %s", parts[1])
	}

	return major > 1 || (major == 1 && minor >= 44), apiVersion, nil
}

func getAPIVersion(ctx context.Context, api session.DockerAPI) (string, error) {
	version, err := api.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("get server version: %w", err)
	}
	return version.APIVersion, nil
}
