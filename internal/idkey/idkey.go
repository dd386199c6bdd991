// Package idkey normalizes Docker container identifiers and builds the
// composite keys used throughout the store and event pipeline to address
// host-scoped entities without collision across cloned hosts.
package idkey

import (
	"fmt"
	"strings"
)

// ShortIDLength is the canonical length of a normalized container ID.
const ShortIDLength = 12

// NormalizeContainerID truncates a Docker container/image ID (which may be a
// full 64-char hex digest, a "sha256:" prefixed digest, or already-short
// form) down to the canonical 12-character short form. Idempotent.
func NormalizeContainerID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) <= ShortIDLength {
		return id
	}
	return id[:ShortIDLength]
}

// MakeCompositeKey builds the "{host_id}:{short_container_id}" key that is
// the sole database key for container-scoped records. hostID must be
// non-empty and the normalized container ID must be exactly ShortIDLength
// characters; anything else is a validation error.
func MakeCompositeKey(hostID, containerID string) (string, error) {
	if hostID == "" {
		return "", fmt.Errorf("idkey: empty host_id")
	}
	short := NormalizeContainerID(containerID)
	if len(short) != ShortIDLength {
		return "", fmt.Errorf("idkey: container id %q does not normalize to %d characters", containerID, ShortIDLength)
	}
	return hostID + ":" + short, nil
}

// ParseCompositeKey splits a composite key back into its host ID and short
// container ID. It is the inverse of MakeCompositeKey for well-formed keys.
func ParseCompositeKey(key string) (hostID, shortID string, err error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("idkey: malformed composite key %q", key)
	}
	hostID = key[:idx]
	shortID = key[idx+1:]
	if len(shortID) != ShortIDLength {
		return "", "", fmt.Errorf("idkey: malformed composite key %q: short id not %d chars", key, ShortIDLength)
	}
	return hostID, shortID, nil
}

// MakeDeploymentKey builds the composite "{host_id}:{short_deployment_id}"
// key used to address deployments. Deployment IDs are not necessarily
// 12-character hex, so only emptiness is validated here; callers that need
// the hex-short-id invariant use MakeCompositeKey instead.
func MakeDeploymentKey(hostID, deploymentID string) (string, error) {
	if hostID == "" {
		return "", fmt.Errorf("idkey: empty host_id")
	}
	if deploymentID == "" {
		return "", fmt.Errorf("idkey: empty deployment_id")
	}
	return hostID + ":" + deploymentID, nil
}
