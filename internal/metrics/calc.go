package metrics

import "github.com/docker/docker/api/types"

// StatsResult is the set of derived values computed from one ContainerStats
// sample.
type StatsResult struct {
	CPUPercent    float64
	MemoryUsage   uint64 // working set memory (excludes reclaimable cache)
	MemoryLimit   uint64
	MemoryPercent float64
	DiskRead      uint64
	DiskWrite     uint64
}

// CalculateStats derives CPU%, working-set memory, and cumulative disk I/O
// from a raw stats sample, following the same formulas `docker stats` uses.
func CalculateStats(stat *types.StatsJSON) *StatsResult {
	result := &StatsResult{
		CPUPercent:  cpuPercent(stat),
		MemoryUsage: workingSetMemory(stat),
		MemoryLimit: stat.MemoryStats.Limit,
	}

	if result.MemoryLimit > 0 {
		result.MemoryPercent = (float64(result.MemoryUsage) / float64(result.MemoryLimit)) * 100.0
	}

	for _, bio := range stat.BlkioStats.IoServiceBytesRecursive {
		switch bio.Op {
		case "Read":
			result.DiskRead += bio.Value
		case "Write":
			result.DiskWrite += bio.Value
		}
	}

	return result
}

func cpuPercent(stat *types.StatsJSON) float64 {
	cpuDelta := float64(stat.CPUStats.CPUUsage.TotalUsage) - float64(stat.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stat.CPUStats.SystemUsage) - float64(stat.PreCPUStats.SystemUsage)

	if systemDelta <= 0.0 || cpuDelta <= 0.0 {
		return 0.0
	}
	numCPUs := float64(len(stat.CPUStats.CPUUsage.PercpuUsage))
	if numCPUs == 0 {
		numCPUs = 1.0
	}
	return (cpuDelta / systemDelta) * numCPUs * 100.0
}

// workingSetMemory reports actual memory pressure (anonymous memory plus
// actively-used file cache), matching what Kubernetes/cAdvisor call the
// working set rather than Docker's raw usage figure, which double-counts
// reclaimable page cache. Supports cgroups v1 and v2 stat keys.
func workingSetMemory(stat *types.StatsJSON) uint64 {
	memUsage := stat.MemoryStats.Usage
	if stat.MemoryStats.Stats == nil {
		return memUsage
	}

	if anon, ok := stat.MemoryStats.Stats["anon"]; ok {
		if activeFile, ok := stat.MemoryStats.Stats["active_file"]; ok {
			return anon + activeFile
		}
		return anon
	}
	if inactiveFile, ok := stat.MemoryStats.Stats["inactive_file"]; ok && memUsage > inactiveFile {
		return memUsage - inactiveFile
	}
	return memUsage
}
