// Package notify is the Notification Dispatcher: one send per (alert,
// channel), addressed primarily by stable channel ID with legacy
// type-string fallback, pluggable per-type formatting, and a
// transient/permanent error split feeding the Alert Engine's retry state
// (spec §4.8).
package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dockmon/dockmon/internal/dockerr"
)

// Alert is the minimal shape the Dispatcher needs from an alert instance to
// format a notification; internal/alert owns the richer AlertInstance type.
type Alert struct {
	RuleName string
	Kind     string
	Severity string
	Entity   string
	Message  string
}

// Channel is the dispatcher's view of a notification channel.
type Channel struct {
	ID      int64
	Type    string
	Name    string
	Config  string // opaque JSON, interpreted per Type by its Transport
	Enabled bool
}

// Transport sends one formatted message through a channel's transport. Only
// errors classified dockerr.KindTransient are retried by the caller.
type Transport interface {
	Send(ctx context.Context, channel Channel, alert Alert) error
}

// Dispatcher selects channels by ID (falling back to legacy type-string
// matching), formats per type, and sends through the registered Transport.
type Dispatcher struct {
	log        *logrus.Logger
	transports map[string]Transport // keyed by channel type

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter // per-channel-ID send throttle
}

// perChannelRate bounds how often one channel can be notified, independent
// of how many distinct rules or entities dedup-key into it — a flapping
// rule with a short cooldown would otherwise still be able to flood a
// webhook once per evaluation tick.
const perChannelRate = rate.Limit(1) // 1/s sustained
const perChannelBurst = 5

func New(log *logrus.Logger) *Dispatcher {
	return &Dispatcher{log: log, transports: make(map[string]Transport), limiters: make(map[int64]*rate.Limiter)}
}

func (d *Dispatcher) limiterFor(channelID int64) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(perChannelRate, perChannelBurst)
		d.limiters[channelID] = l
	}
	return l
}

// Register associates a Transport with a channel type ("discord", "slack",
// "webhook", ...).
func (d *Dispatcher) Register(channelType string, t Transport) {
	d.transports[channelType] = t
}

// ResolveChannels maps a rule's notify_channels list (each entry either a
// numeric string ID or a legacy type name) against the full channel set. ID
// entries are looked up directly; type-string entries match the first
// enabled channel of that type only, per spec §4.8 ("legacy type-strings
// ... yield only one channel per type"). The ID-indexed result preserves
// every distinct ID; it is the type-collapsing behavior that is lossy, by
// design.
func ResolveChannels(entries []string, all []Channel) []Channel {
	byID := make(map[int64]Channel, len(all))
	byType := make(map[string]Channel, len(all))
	for _, c := range all {
		if !c.Enabled {
			continue
		}
		byID[c.ID] = c
		if _, exists := byType[c.Type]; !exists {
			byType[c.Type] = c
		}
	}

	seen := make(map[int64]bool)
	var out []Channel
	for _, e := range entries {
		if id, err := strconv.ParseInt(e, 10, 64); err == nil {
			if c, ok := byID[id]; ok && !seen[c.ID] {
				out = append(out, c)
				seen[c.ID] = true
			}
			continue
		}
		if c, ok := byType[e]; ok && !seen[c.ID] {
			out = append(out, c)
			seen[c.ID] = true
		}
	}
	return out
}

// Send dispatches alert to channel, classifying any transport error into the
// dockerr taxonomy so the Alert Engine's retry loop can distinguish
// transient (retry) from permanent (resolve-without-retry) failures.
func (d *Dispatcher) Send(ctx context.Context, channel Channel, alert Alert) error {
	t, ok := d.transports[channel.Type]
	if !ok {
		return dockerr.NewPermanentError(fmt.Sprintf("no transport registered for channel type %q", channel.Type)).
			WithEntity(channel.Name)
	}
	if !d.limiterFor(channel.ID).Allow() {
		return dockerr.NewTransientError("channel send rate exceeded").WithEntity(channel.Name)
	}
	if err := t.Send(ctx, channel, alert); err != nil {
		classified := dockerr.CategorizeError(err)
		d.log.WithError(classified).WithField("channel", channel.Name).Warn("notification send failed")
		return classified
	}
	return nil
}
