package health

import (
	"context"
	"time"

	"github.com/dockmon/dockmon/internal/session"
)

// WaitForContainerHealth implements spec §4.7's shared helper, generalized
// from shared/compose/health.go's WaitForHealthy (which polls compose-ps
// state) to raw ContainerInspect polling against any DockerAPI, since the
// Deployment Executor and Update Pipeline both need it outside a compose
// project context.
//
// If the container defines a Docker HEALTHCHECK, it polls until
// Health.Status reaches healthy or unhealthy. Otherwise it waits for the
// container to be running, then requires it to stay running for a further
// stabilityWindow before declaring success. Any Docker API failure, or a
// timeout with no verdict reached, returns false without error — this
// helper never raises, matching the original's non-raising contract.
func WaitForContainerHealth(ctx context.Context, api session.DockerAPI, containerID string, timeout, stabilityWindow time.Duration) bool {
	deadline := time.Now().Add(timeout)
	pollInterval := 500 * time.Millisecond

	var runningSince time.Time

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		inspect, err := api.ContainerInspect(ctx, containerID)
		if err != nil {
			return false
		}

		if inspect.State == nil {
			time.Sleep(pollInterval)
			continue
		}

		if inspect.State.Health != nil {
			switch inspect.State.Health.Status {
			case "healthy":
				return true
			case "unhealthy":
				return false
			}
			time.Sleep(pollInterval)
			continue
		}

		// No HEALTHCHECK defined: require stabilityWindow of continued running.
		if !inspect.State.Running {
			if runningSince.IsZero() && inspect.State.Status == "created" {
				time.Sleep(pollInterval)
				continue
			}
			return false
		}
		if runningSince.IsZero() {
			runningSince = time.Now()
		}
		if time.Since(runningSince) >= stabilityWindow {
			return true
		}
		time.Sleep(pollInterval)
	}
	return false
}
