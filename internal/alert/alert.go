// Package alert is the Alert Evaluation Engine: rule matching by scope and
// predicate kind, dedup/cooldown/blackout suppression, and notification
// dispatch with exponential-backoff-with-jitter retry (spec §4.3).
package alert

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/dockerr"
	"github.com/dockmon/dockmon/internal/notify"
	"github.com/dockmon/dockmon/internal/pipeline"
	"github.com/dockmon/dockmon/internal/store"
)

// Sample is a single metric or state observation evaluated against the rule
// set: a container snapshot, a docker event, a host status flip, or a
// periodic cpu/memory/disk reading.
type Sample struct {
	Kind         string // "container_stopped", "container_unhealthy", "cpu_high", "memory_high", "disk_high", "host_offline", "update_available", "restart_loop"
	HostID       string
	CompositeKey string // empty for host/global-scoped samples
	Tags         []string
	Value        float64 // metric value for threshold kinds; unused otherwise
	Timestamp    time.Time
}

// Broadcaster publishes alert lifecycle events to WebSocket subscribers.
type Broadcaster interface {
	Publish(topic string, envelopeType string, data any)
}

// Engine evaluates rules against samples, maintains open-alert dedup state
// via store.AlertRepo, and drives the retry loop for failed notifications.
type Engine struct {
	log    *logrus.Logger
	store  *store.Store
	disp   *notify.Dispatcher
	bcast  Broadcaster
	nowFn  func() time.Time

	mu    sync.Mutex
	rules []store.AlertRule
	// cooldownUntil is keyed by rule ID + entity, per spec §4.3 ("Cooldown is per-(rule, entity)").
	cooldownUntil map[string]time.Time
}

func New(log *logrus.Logger, st *store.Store, disp *notify.Dispatcher, bcast Broadcaster) *Engine {
	return &Engine{
		log:           log,
		store:         st,
		disp:          disp,
		bcast:         bcast,
		nowFn:         time.Now,
		cooldownUntil: make(map[string]time.Time),
	}
}

// LoadRules refreshes the engine's in-memory rule set from the store. Called
// at startup and whenever a rule is created/updated/deleted.
func (e *Engine) LoadRules(ctx context.Context) error {
	rules, err := e.store.Alerts().ListEnabledRules(ctx)
	if err != nil {
		return dockerr.CategorizeError(err)
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// OnSnapshot, OnEvent, OnHostStatusChanged implement pipeline.Subscriber so
// the engine can be registered directly with the Pipeline.
func (e *Engine) OnSnapshot(s pipeline.Snapshot) {
	kind := "container_stopped"
	if s.State != pipeline.StateRunning {
		e.evaluate(context.Background(), Sample{
			Kind: kind, HostID: s.HostID, CompositeKey: s.CompositeKey,
			Tags: s.DerivedTags, Timestamp: time.Now(),
		})
	}
}

func (e *Engine) OnEvent(ev pipeline.Event) {
	var kind string
	switch ev.Action {
	case "die", "oom", "kill":
		kind = "container_stopped"
	case "health_status":
		kind = "container_unhealthy"
	default:
		return
	}
	ck := ""
	var tags []string
	if ev.Snapshot != nil {
		ck = ev.Snapshot.CompositeKey
		tags = ev.Snapshot.DerivedTags
	}
	e.evaluate(context.Background(), Sample{Kind: kind, HostID: ev.HostID, CompositeKey: ck, Tags: tags, Timestamp: ev.At})
}

func (e *Engine) OnHostStatusChanged(hostID string, online bool) {
	if online {
		return
	}
	e.evaluate(context.Background(), Sample{Kind: "host_offline", HostID: hostID, Timestamp: time.Now()})
}

// EvaluateMetric lets the metrics sampler feed cpu/memory/disk readings
// through the same matching and dedup path as Docker events.
func (e *Engine) EvaluateMetric(ctx context.Context, kind, hostID, compositeKey string, tags []string, value float64) {
	e.evaluate(ctx, Sample{Kind: kind, HostID: hostID, CompositeKey: compositeKey, Tags: tags, Value: value, Timestamp: time.Now()})
}

func (e *Engine) evaluate(ctx context.Context, s Sample) {
	e.mu.Lock()
	rules := append([]store.AlertRule(nil), e.rules...)
	e.mu.Unlock()

	for _, rule := range rules {
		if rule.Kind != s.Kind {
			continue
		}
		if !matchesScope(rule, s) {
			continue
		}
		if !matchesPredicate(rule, s) {
			continue
		}
		if err := e.fire(ctx, rule, s); err != nil {
			e.log.WithError(err).WithField("rule", rule.Name).Error("alert evaluation failed")
		}
	}
}

func matchesScope(rule store.AlertRule, s Sample) bool {
	switch rule.ScopeType {
	case store.ScopeGlobal:
		return true
	case store.ScopeHost:
		return rule.ScopeID.Valid && rule.ScopeID.String == s.HostID
	case store.ScopeContainer:
		return rule.ScopeID.Valid && rule.ScopeID.String == s.CompositeKey
	case store.ScopeTag:
		if !rule.ScopeID.Valid {
			return false
		}
		for _, t := range s.Tags {
			if t == rule.ScopeID.String {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchesPredicate(rule store.AlertRule, s Sample) bool {
	switch rule.Kind {
	case "container_stopped", "container_unhealthy", "host_offline", "update_available", "restart_loop":
		return true // presence-triggered; no threshold comparison
	case "cpu_high", "memory_high", "disk_high":
		if !rule.Threshold.Valid {
			return false
		}
		return compare(s.Value, rule.Operator, rule.Threshold.Float64)
	default:
		return false
	}
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "==":
		return value == threshold
	default:
		return false
	}
}

// dedupKey implements spec §4.3: "kind|scope_type:scope_id|entity_composite_key"
// with entity omitted for host/global scope.
func dedupKey(rule store.AlertRule, s Sample) string {
	scopeID := ""
	if rule.ScopeID.Valid {
		scopeID = rule.ScopeID.String
	}
	entity := ""
	if rule.ScopeType == store.ScopeContainer || rule.ScopeType == store.ScopeTag {
		entity = s.CompositeKey
	}
	return fmt.Sprintf("%s|%s:%s|%s", rule.Kind, rule.ScopeType, scopeID, entity)
}

func (e *Engine) fire(ctx context.Context, rule store.AlertRule, s Sample) error {
	key := dedupKey(rule, s)
	now := e.nowFn().UTC().Format(time.RFC3339)

	existing, err := e.store.Alerts().OpenByDedupKey(ctx, key)
	if err != nil {
		return err
	}

	entity := s.CompositeKey
	if entity == "" {
		entity = s.HostID
	}

	var instanceID int64
	isNew := existing == nil
	if existing != nil {
		instanceID = existing.ID
		if err := e.store.Alerts().TouchLastSeen(ctx, instanceID, now); err != nil {
			return err
		}
	} else {
		instanceID, err = e.store.Alerts().Open(ctx, &store.AlertInstance{
			DedupKey: key, RuleID: rule.ID, ScopeType: rule.ScopeType, ScopeID: rule.ScopeID,
			Kind: rule.Kind, Severity: rule.Severity, FirstSeen: now, LastSeen: now,
		})
		if err != nil {
			return err
		}
		if e.bcast != nil {
			e.bcast.Publish("alerts", "alert_opened", map[string]any{"rule": rule.Name, "kind": rule.Kind, "entity": entity})
		}
	}

	if !isNew {
		// Only a newly-opened (or re-opened) alert triggers a fresh notification
		// cycle; a repeat sample on an already-open alert just updates last_seen.
		return nil
	}

	if inBlackout(rule, e.nowFn()) {
		return nil
	}

	cooldownKey := fmt.Sprintf("%d:%s", rule.ID, entity)
	e.mu.Lock()
	until, onCooldown := e.cooldownUntil[cooldownKey]
	stillCoolingDown := onCooldown && e.nowFn().Before(until)
	if !stillCoolingDown {
		e.cooldownUntil[cooldownKey] = e.nowFn().Add(time.Duration(rule.CooldownMinutes) * time.Minute)
	}
	e.mu.Unlock()
	if stillCoolingDown {
		return nil
	}

	return e.dispatch(ctx, rule, instanceID, entity, s, 0)
}

// inBlackout parses rule.BlackoutWindows (JSON array of {weekday, start, end}
// in "HH:MM" 24h form) and reports whether now falls inside any window.
func inBlackout(rule store.AlertRule, now time.Time) bool {
	if !rule.BlackoutWindows.Valid || rule.BlackoutWindows.String == "" {
		return false
	}
	var windows []struct {
		Weekday int    `json:"weekday"` // 0=Sunday, matches time.Weekday
		Start   string `json:"start"`
		End     string `json:"end"`
	}
	if err := json.Unmarshal([]byte(rule.BlackoutWindows.String), &windows); err != nil {
		return false
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		if int(now.Weekday()) != w.Weekday {
			continue
		}
		start, ok1 := parseHHMM(w.Start)
		end, ok2 := parseHHMM(w.End)
		if !ok1 || !ok2 {
			continue
		}
		if nowMinutes >= start && nowMinutes < end {
			return true
		}
	}
	return false
}

func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

func (e *Engine) dispatch(ctx context.Context, rule store.AlertRule, instanceID int64, entity string, s Sample, attempt int) error {
	var entries []string
	if err := json.Unmarshal([]byte(rule.NotifyChannels), &entries); err != nil {
		return dockerr.NewValidationError("invalid notify_channels").WithEntity(rule.Name)
	}

	channels, err := e.store.Channels().ListEnabled(ctx)
	if err != nil {
		return err
	}
	notifyChannels := make([]notify.Channel, 0, len(channels))
	for _, c := range channels {
		notifyChannels = append(notifyChannels, notify.Channel{ID: c.ID, Type: c.Type, Name: c.Name, Config: c.Config, Enabled: c.Enabled})
	}
	resolved := notify.ResolveChannels(entries, notifyChannels)

	a := notify.Alert{RuleName: rule.Name, Kind: rule.Kind, Severity: rule.Severity, Entity: entity, Message: fmt.Sprintf("%s triggered on %s", rule.Kind, entity)}

	var firstErr error
	for _, ch := range resolved {
		if err := e.disp.Send(ctx, ch, a); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	now := e.nowFn().UTC().Format(time.RFC3339)
	if firstErr != nil && dockerr.IsRetryable(firstErr) {
		next := e.nowFn().Add(backoffWithJitter(attempt)).UTC().Format(time.RFC3339)
		return e.store.Alerts().ScheduleRetry(ctx, instanceID, now, next)
	}
	return e.store.Alerts().ClearRetry(ctx, instanceID)
}

// RunRetryLoop polls for alert instances whose next_retry_at is due and
// resends; it wakes on the given interval rather than precisely on each
// deadline, which is adequate since retry deadlines are themselves jittered.
func (e *Engine) RunRetryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.processDueRetries(ctx)
		}
	}
}

const maxRetryCount = 8

func (e *Engine) processDueRetries(ctx context.Context) {
	due, err := e.store.Alerts().DueRetries(ctx, e.nowFn().UTC().Format(time.RFC3339))
	if err != nil {
		e.log.WithError(err).Error("alert retry poll failed")
		return
	}
	for _, inst := range due {
		if inst.RetryCount >= maxRetryCount {
			_ = e.store.Alerts().ClearRetry(ctx, inst.ID)
			continue
		}
		e.retryOne(ctx, inst)
	}
}

func (e *Engine) retryOne(ctx context.Context, inst store.AlertInstance) {
	e.mu.Lock()
	var rule *store.AlertRule
	for i := range e.rules {
		if e.rules[i].ID == inst.RuleID {
			rule = &e.rules[i]
			break
		}
	}
	e.mu.Unlock()
	if rule == nil {
		_ = e.store.Alerts().ClearRetry(ctx, inst.ID)
		return
	}
	entity := ""
	if inst.ScopeID.Valid {
		entity = inst.ScopeID.String
	}
	if err := e.dispatch(ctx, *rule, inst.ID, entity, Sample{}, inst.RetryCount); err != nil {
		e.log.WithError(err).WithField("alert_instance", inst.ID).Warn("alert retry failed")
	}
}

// backoffWithJitter computes the next retry delay for attempt (0-indexed):
// base 30s, doubling, capped at 30m, +/-20% jitter to avoid thundering herd
// across many simultaneously-failing channels.
func backoffWithJitter(attempt int) time.Duration {
	base := 30 * time.Second
	capped := 30 * time.Minute
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > capped {
		d = capped
	}
	jitterRange := int64(d) / 5
	if jitterRange <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterRange*2))
	if err != nil {
		return d
	}
	return d - time.Duration(jitterRange) + time.Duration(n.Int64())
}
