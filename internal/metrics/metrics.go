// Package metrics is the periodic cpu/memory/disk sampler spec §4.3 names
// as one of the four triggers for alert rule evaluation ("periodic metric
// samples (cpu/memory/disk)"). It polls each online session's running
// containers on an interval independent of the Event & State Pipeline's
// reconciliation, since resource sampling has its own cost/precision
// tradeoff from state reconciliation. Grounded on stats-service/streamer.go's
// per-container poll loop and shared/docker/stats.go's CalculateStats, whose
// CPU/working-set-memory math is kept unchanged; the cache/broadcast
// machinery around it is replaced by a direct feed into the Alert Engine.
package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
)

// Evaluator receives periodic metric samples. internal/alert.Engine
// implements this directly.
type Evaluator interface {
	EvaluateMetric(ctx context.Context, kind, hostID, compositeKey string, tags []string, value float64)
}

// Sampler polls running containers on every online session for cpu/memory/
// disk usage and feeds each reading to an Evaluator.
type Sampler struct {
	log      *logrus.Logger
	sessions *session.Manager
	store    *store.Store
	eval     Evaluator
	interval time.Duration

	prev map[string]diskCounters // compositeKey -> last cumulative read/write bytes
}

type diskCounters struct {
	read, write uint64
	at          time.Time
}

func New(log *logrus.Logger, sessions *session.Manager, st *store.Store, eval Evaluator, interval time.Duration) *Sampler {
	return &Sampler{
		log:      log,
		sessions: sessions,
		store:    st,
		eval:     eval,
		interval: interval,
		prev:     make(map[string]diskCounters),
	}
}

// Run polls a single host's running containers until ctx is cancelled. The
// daemon starts one of these per connected host, mirroring the Event &
// State Pipeline's per-host goroutine model.
func (s *Sampler) Run(ctx context.Context, hostID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleHost(ctx, hostID)
		}
	}
}

func (s *Sampler) sampleHost(ctx context.Context, hostID string) {
	sess, ok := s.sessions.Get(hostID)
	if !ok || sess.API == nil {
		return
	}

	containers, err := sess.API.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		s.log.WithError(err).WithField("host_id", hostID).Debug("metrics: container list failed")
		return
	}

	for _, c := range containers {
		compositeKey, err := idkey.MakeCompositeKey(hostID, c.ID)
		if err != nil {
			continue
		}
		tags, _ := s.store.Tags().EffectiveTags(ctx, store.SubjectContainer, compositeKey)
		s.sampleContainer(ctx, sess.API, hostID, compositeKey, c.ID, tags)
	}
}

func (s *Sampler) sampleContainer(ctx context.Context, api session.DockerAPI, hostID, compositeKey, containerID string, tags []string) {
	resp, err := api.ContainerStats(ctx, containerID, false)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var stat types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stat); err != nil {
		return
	}

	result := CalculateStats(&stat)

	s.eval.EvaluateMetric(ctx, "cpu_high", hostID, compositeKey, tags, result.CPUPercent)
	s.eval.EvaluateMetric(ctx, "memory_high", hostID, compositeKey, tags, result.MemoryPercent)

	if rate, ok := s.diskRate(compositeKey, result); ok {
		s.eval.EvaluateMetric(ctx, "disk_high", hostID, compositeKey, tags, rate)
	}
}

// diskRate converts cumulative disk read+write byte counters into a
// bytes/sec rate across the interval since the last sample, since the
// threshold predicate in spec §4.3 compares against a rate, not a raw
// cumulative counter that only ever grows.
func (s *Sampler) diskRate(compositeKey string, result *StatsResult) (float64, bool) {
	now := time.Now()
	cur := diskCounters{read: result.DiskRead, write: result.DiskWrite, at: now}

	prev, ok := s.prev[compositeKey]
	s.prev[compositeKey] = cur
	if !ok {
		return 0, false
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	deltaBytes := float64((cur.read - prev.read) + (cur.write - prev.write))
	if cur.read < prev.read || cur.write < prev.write {
		// counters reset (container recreated under the same composite key)
		return 0, false
	}
	return deltaBytes / elapsed, true
}
