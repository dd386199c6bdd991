package metrics

import (
	"testing"

	"github.com/docker/docker/api/types"
)

func TestCPUPercentFromDeltas(t *testing.T) {
	stat := &types.StatsJSON{}
	stat.CPUStats.CPUUsage.TotalUsage = 2000
	stat.PreCPUStats.CPUUsage.TotalUsage = 1000
	stat.CPUStats.SystemUsage = 20000
	stat.PreCPUStats.SystemUsage = 10000
	stat.CPUStats.CPUUsage.PercpuUsage = make([]uint64, 4)

	got := cpuPercent(stat)
	want := (1000.0 / 10000.0) * 4 * 100.0
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestCPUPercentZeroWhenNoDelta(t *testing.T) {
	stat := &types.StatsJSON{}
	if got := cpuPercent(stat); got != 0 {
		t.Fatalf("got %v want 0", got)
	}
}

func TestWorkingSetMemoryPrefersAnonPlusActiveFile(t *testing.T) {
	stat := &types.StatsJSON{}
	stat.MemoryStats.Usage = 1000
	stat.MemoryStats.Stats = map[string]uint64{"anon": 200, "active_file": 50, "inactive_file": 300}

	if got := workingSetMemory(stat); got != 250 {
		t.Fatalf("got %v want 250", got)
	}
}

func TestWorkingSetMemoryFallsBackToInactiveFileSubtraction(t *testing.T) {
	stat := &types.StatsJSON{}
	stat.MemoryStats.Usage = 1000
	stat.MemoryStats.Stats = map[string]uint64{"inactive_file": 300}

	if got := workingSetMemory(stat); got != 700 {
		t.Fatalf("got %v want 700", got)
	}
}

func TestWorkingSetMemoryWithoutStatsReturnsRawUsage(t *testing.T) {
	stat := &types.StatsJSON{}
	stat.MemoryStats.Usage = 1234
	if got := workingSetMemory(stat); got != 1234 {
		t.Fatalf("got %v want 1234", got)
	}
}

func TestCalculateStatsMemoryPercent(t *testing.T) {
	stat := &types.StatsJSON{}
	stat.MemoryStats.Usage = 500
	stat.MemoryStats.Limit = 1000

	result := CalculateStats(stat)
	if result.MemoryPercent != 50 {
		t.Fatalf("got %v want 50", result.MemoryPercent)
	}
}
