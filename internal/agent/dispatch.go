package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dockmon/dockmon/internal/agentchannel"
)

// dispatch answers every command except pull_image (streamed separately in
// events.go) against the real Docker client, matching the payload shapes
// agentchannel/api.go's agentAPI sends/expects field for field.
func (c *Client) dispatch(ctx context.Context, command string, payload json.RawMessage) (any, error) {
	switch command {
	case agentchannel.CmdListContainers:
		var opts container.ListOptions
		if err := unmarshalIfSet(payload, &opts); err != nil {
			return nil, err
		}
		return c.docker.ContainerList(ctx, opts)

	case agentchannel.CmdInspectContainer:
		var req struct {
			ContainerID string `json:"container_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return c.docker.ContainerInspect(ctx, req.ContainerID)

	case agentchannel.CmdStartContainer:
		var req struct {
			ContainerID string                `json:"container_id"`
			Options     container.StartOptions `json:"options"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.ContainerStart(ctx, req.ContainerID, req.Options)

	case agentchannel.CmdStopContainer:
		var req struct {
			ContainerID string               `json:"container_id"`
			Options     container.StopOptions `json:"options"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.ContainerStop(ctx, req.ContainerID, req.Options)

	case agentchannel.CmdRestartContainer:
		var req struct {
			ContainerID string               `json:"container_id"`
			Options     container.StopOptions `json:"options"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.ContainerRestart(ctx, req.ContainerID, req.Options)

	case agentchannel.CmdRemoveContainer:
		var req struct {
			ContainerID string                 `json:"container_id"`
			Options     container.RemoveOptions `json:"options"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.ContainerRemove(ctx, req.ContainerID, req.Options)

	case agentchannel.CmdRenameContainer:
		var req struct {
			ContainerID string `json:"container_id"`
			NewName     string `json:"new_name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.ContainerRename(ctx, req.ContainerID, req.NewName)

	case agentchannel.CmdKillContainer:
		var req struct {
			ContainerID string `json:"container_id"`
			Signal      string `json:"signal"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.ContainerKill(ctx, req.ContainerID, req.Signal)

	case agentchannel.CmdCreateContainer:
		var req struct {
			Config           *container.Config         `json:"config"`
			HostConfig       *container.HostConfig     `json:"host_config"`
			NetworkingConfig *network.NetworkingConfig `json:"networking_config,omitempty"`
			Platform         *ocispec.Platform         `json:"platform,omitempty"`
			ContainerName    string                    `json:"container_name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return c.docker.ContainerCreate(ctx, req.Config, req.HostConfig, req.NetworkingConfig, req.Platform, req.ContainerName)

	case agentchannel.CmdInspectImage:
		var req struct {
			ImageID string `json:"image_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		inspect, raw, err := c.docker.ImageInspectWithRaw(ctx, req.ImageID)
		if err != nil {
			return nil, err
		}
		return struct {
			Inspect types.ImageInspect `json:"inspect"`
			Raw     []byte             `json:"raw"`
		}{Inspect: inspect, Raw: raw}, nil

	case agentchannel.CmdInspectNetwork:
		var req struct {
			NetworkID string                 `json:"network_id"`
			Options   network.InspectOptions `json:"options"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return c.docker.NetworkInspect(ctx, req.NetworkID, req.Options)

	case agentchannel.CmdConnectNetwork:
		var req struct {
			NetworkID   string                    `json:"network_id"`
			ContainerID string                    `json:"container_id"`
			Config      *network.EndpointSettings `json:"config"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, c.docker.NetworkConnect(ctx, req.NetworkID, req.ContainerID, req.Config)

	case agentchannel.CmdCreateVolume:
		var opts volume.CreateOptions
		if err := unmarshalIfSet(payload, &opts); err != nil {
			return nil, err
		}
		return c.docker.VolumeCreate(ctx, opts)

	case agentchannel.CmdContainerStats:
		var req struct {
			ContainerID string `json:"container_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		resp, err := c.docker.ContainerStats(ctx, req.ContainerID, false)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return struct {
			Raw    []byte `json:"raw"`
			OSType string `json:"os_type"`
		}{Raw: raw, OSType: resp.OSType}, nil

	case agentchannel.CmdDockerInfo:
		return c.docker.Info(ctx)

	case agentchannel.CmdServerVersion:
		return c.docker.ServerVersion(ctx)

	case agentchannel.CmdPing:
		return c.docker.Ping(ctx)

	case agentchannel.CmdHealthCheckConfig:
		return nil, c.health.upsert(payload)

	case agentchannel.CmdHealthCheckConfigRemove:
		return nil, c.health.remove(payload)

	default:
		return nil, fmt.Errorf("agent: unknown command %q", command)
	}
}

func unmarshalIfSet(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, target)
}
