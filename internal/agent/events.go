package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/dockmon/dockmon/internal/agentchannel"
	"github.com/dockmon/dockmon/pkg/dockertypes"
)

// streamContainerEvents watches the local Docker daemon's container
// lifecycle events and forwards each one up as an unsolicited
// container_event frame, translated into the flat dockertypes.ContainerEvent
// shape conn.go's deliverContainerEvent expects — the agent-side half of
// spec §4.10's container-event relay, grounded on the teacher's own
// streamEvents but without its stats/compose bookkeeping.
func (c *Client) streamContainerEvents(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	msgCh, errCh := c.docker.Events(ctx, events.ListOptions{Filters: f})

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				c.log.WithError(err).Warn("agent: container event stream ended")
			}
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			c.forwardContainerEvent(msg)
		}
	}
}

func (c *Client) forwardContainerEvent(msg events.Message) {
	ev := dockertypes.ContainerEvent{
		ContainerID:   msg.Actor.ID,
		ContainerName: msg.Actor.Attributes["name"],
		Image:         msg.Actor.Attributes["image"],
		Action:        string(msg.Action),
		Status:        msg.Actor.Attributes["status"],
		Timestamp:     time.Unix(0, msg.TimeNano).UTC(),
		Attributes:    msg.Actor.Attributes,
	}
	if err := c.sendEvent(agentchannel.EventContainerEvent, ev); err != nil {
		c.log.WithError(err).Warn("agent: failed to forward container event")
	}
}

// handlePullImage answers pull_image by streaming the Docker SDK's
// ImagePull response back as a sequence of image_pull_progress events keyed
// by the original command's ID, terminated by image_pull_complete — the
// exact shape conn.go's writeStreamFrame/endStream expect on the other end.
func (c *Client) handlePullImage(ctx context.Context, env *agentchannel.Envelope) {
	var req struct {
		Ref     string             `json:"ref"`
		Options image.PullOptions `json:"options"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.writeStreamEnd(env.ID, err)
		return
	}

	rc, err := c.docker.ImagePull(ctx, req.Ref, req.Options)
	if err != nil {
		c.writeStreamEnd(env.ID, err)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		c.writeEnvelope(&agentchannel.Envelope{
			Type:    "event",
			ID:      env.ID,
			Command: agentchannel.EventImagePullProgress,
			Payload: raw,
		})
	}
	c.writeStreamEnd(env.ID, scanner.Err())
}

func (c *Client) writeStreamEnd(id string, err error) {
	e := &agentchannel.Envelope{Type: "event", ID: id, Command: agentchannel.EventImagePullComplete}
	if err != nil {
		e.Error = err.Error()
	}
	c.writeEnvelope(e)
}
