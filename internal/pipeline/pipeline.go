// Package pipeline is the Event & State Pipeline: per online session it
// tails the Docker event stream and periodically lists containers, derives
// tags, and publishes deduplicated normalized snapshots to subscribers
// (Alert Engine, Health Checker, WebSocket Hub). Grounded on
// stats-service/event_manager.go's per-host stream/reconnect loop.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
)

// ContainerState mirrors the Docker states named in spec §3.
type ContainerState string

const (
	StateRunning    ContainerState = "running"
	StateExited     ContainerState = "exited"
	StatePaused     ContainerState = "paused"
	StateDead       ContainerState = "dead"
	StateCreated    ContainerState = "created"
	StateRestarting ContainerState = "restarting"
)

// Snapshot is the transient canonical view of one container published to
// subscribers. It is never persisted as authoritative state — the Docker
// daemon is.
type Snapshot struct {
	CompositeKey string
	HostID       string
	ShortID      string
	Name         string
	Image        string
	State        ContainerState
	StatusText   string
	Labels       map[string]string
	DerivedTags  []string
	CreatedAt    time.Time
}

// dedupFields is what Publish compares against the last published snapshot
// to decide whether a broadcast is a no-op, per spec §4.2.
func (s Snapshot) dedupFields() [4]string {
	return [4]string{s.CompositeKey, string(s.State), s.StatusText, joinTags(s.DerivedTags)}
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// Event is a container-lifecycle event forwarded to subscribers in addition
// to snapshots (die, oom, kill, health_status, ...).
type Event struct {
	HostID      string
	Action      string
	Attributes  map[string]string
	Snapshot    *Snapshot
	At          time.Time
}

// Subscriber receives snapshots and events. The Alert Engine, Health
// Checker, and WebSocket Hub each implement this.
type Subscriber interface {
	OnSnapshot(Snapshot)
	OnEvent(Event)
	OnHostStatusChanged(hostID string, online bool)
}

// Pipeline fans Docker event streams and periodic listing out to every
// registered Subscriber.
type Pipeline struct {
	log          *logrus.Logger
	sessions     *session.Manager
	store        *store.Store
	pollInterval time.Duration

	mu          sync.Mutex
	subscribers []Subscriber
	lastByHost  map[string]map[string][4]string // hostID -> compositeKey -> dedupFields
}

func New(log *logrus.Logger, sessions *session.Manager, st *store.Store, pollInterval time.Duration) *Pipeline {
	return &Pipeline{
		log:          log,
		sessions:     sessions,
		store:        st,
		pollInterval: pollInterval,
		lastByHost:   make(map[string]map[string][4]string),
	}
}

func (p *Pipeline) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// Run starts the event-tail and poll loops for a host. Events from one host's
// stream are handled in order by its tail goroutine; the periodic
// reconciliation runs in a separate goroutine and is not ordered relative to
// the tail. No ordering is guaranteed across hosts, since each host gets its
// own goroutine pair.
func (p *Pipeline) Run(ctx context.Context, hostID string) {
	go p.tailEvents(ctx, hostID)
	go p.pollLoop(ctx, hostID)
}

func (p *Pipeline) tailEvents(ctx context.Context, hostID string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("host_id", hostID).Errorf("recovered from panic in event tail: %v", r)
		}
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sess, ok := p.sessions.Get(hostID)
		if !ok || sess.API == nil {
			time.Sleep(backoff)
			continue
		}

		f := filters.NewArgs()
		f.Add("type", "container")
		eventsChan, errChan := sess.API.Events(ctx, events.ListOptions{Filters: f})
		backoff = time.Second

	inner:
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errChan:
				if err != nil {
					p.log.WithError(err).WithField("host_id", hostID).Warn("event stream error, reconnecting")
					p.notifyHostStatus(hostID, false)
					time.Sleep(backoff)
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					break inner
				}
			case ev := <-eventsChan:
				p.handleDockerEvent(ctx, hostID, ev)
			}
		}
	}
}

func (p *Pipeline) handleDockerEvent(ctx context.Context, hostID string, ev events.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("host_id", hostID).Errorf("recovered from panic processing event: %v", r)
		}
	}()

	snap, err := p.snapshotOne(ctx, hostID, string(ev.Actor.ID))
	pe := Event{
		HostID:     hostID,
		Action:     string(ev.Action),
		Attributes: ev.Actor.Attributes,
		At:         time.Unix(0, ev.TimeNano),
	}
	if err == nil {
		pe.Snapshot = &snap
		p.publish(hostID, snap)
	}
	p.mu.Lock()
	subs := append([]Subscriber(nil), p.subscribers...)
	p.mu.Unlock()
	for _, s := range subs {
		s.OnEvent(pe)
	}
}

// pollLoop periodically lists all containers and reconciles/publishes a
// snapshot for each, tolerating missed events.
func (p *Pipeline) pollLoop(ctx context.Context, hostID string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx, hostID)
		}
	}
}

func (p *Pipeline) reconcile(ctx context.Context, hostID string) {
	sess, ok := p.sessions.Get(hostID)
	if !ok || sess.API == nil {
		p.notifyHostStatus(hostID, false)
		return
	}

	containers, err := sess.API.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		p.log.WithError(err).WithField("host_id", hostID).Warn("container list failed")
		p.notifyHostStatus(hostID, false)
		return
	}
	p.notifyHostStatus(hostID, true)

	for _, c := range containers {
		snap, err := p.toSnapshot(ctx, hostID, c)
		if err != nil {
			continue
		}
		p.publish(hostID, snap)
	}
}

func (p *Pipeline) snapshotOne(ctx context.Context, hostID, containerID string) (Snapshot, error) {
	sess, ok := p.sessions.Get(hostID)
	if !ok || sess.API == nil {
		return Snapshot{}, errNoSession
	}
	inspect, err := sess.API.ContainerInspect(ctx, containerID)
	if err != nil {
		return Snapshot{}, err
	}
	key, err := idkey.MakeCompositeKey(hostID, inspect.ID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		CompositeKey: key,
		HostID:       hostID,
		ShortID:      idkey.NormalizeContainerID(inspect.ID),
		Name:         trimLeadingSlash(inspect.Name),
		Image:        inspect.Config.Image,
		State:        ContainerState(inspect.State.Status),
		StatusText:   inspect.State.Status,
		Labels:       inspect.Config.Labels,
		DerivedTags:  DeriveTags(inspect.Config.Labels),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (p *Pipeline) toSnapshot(ctx context.Context, hostID string, c container.Summary) (Snapshot, error) {
	key, err := idkey.MakeCompositeKey(hostID, c.ID)
	if err != nil {
		return Snapshot{}, err
	}
	name := ""
	if len(c.Names) > 0 {
		name = trimLeadingSlash(c.Names[0])
	}
	return Snapshot{
		CompositeKey: key,
		HostID:       hostID,
		ShortID:      idkey.NormalizeContainerID(c.ID),
		Name:         name,
		Image:        c.Image,
		State:        ContainerState(c.State),
		StatusText:   c.Status,
		Labels:       c.Labels,
		DerivedTags:  DeriveTags(c.Labels),
		CreatedAt:    time.Unix(c.Created, 0).UTC(),
	}, nil
}

// publish deduplicates by (composite_key, state, status_text, derived_tags)
// before fanning out, per spec §4.2.
func (p *Pipeline) publish(hostID string, snap Snapshot) {
	p.mu.Lock()
	byKey, ok := p.lastByHost[hostID]
	if !ok {
		byKey = make(map[string][4]string)
		p.lastByHost[hostID] = byKey
	}
	fields := snap.dedupFields()
	if prev, seen := byKey[snap.CompositeKey]; seen && prev == fields {
		p.mu.Unlock()
		return
	}
	byKey[snap.CompositeKey] = fields
	subs := append([]Subscriber(nil), p.subscribers...)
	p.mu.Unlock()

	for _, s := range subs {
		s.OnSnapshot(snap)
	}
}

func (p *Pipeline) notifyHostStatus(hostID string, online bool) {
	p.mu.Lock()
	subs := append([]Subscriber(nil), p.subscribers...)
	p.mu.Unlock()
	for _, s := range subs {
		s.OnHostStatusChanged(hostID, online)
	}
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

var errNoSession = &noSessionError{}

type noSessionError struct{}

func (*noSessionError) Error() string { return "pipeline: no active session for host" }
