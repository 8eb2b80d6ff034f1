// Package platform reads container-aware CPU and memory utilization for the
// heartbeat producer, preferring cgroup limits over host-wide figures so a
// socket node correctly reports saturation when run under a per-container
// quota (Kubernetes, Cloud Run, ECS) rather than against the whole machine.
package platform

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Reader samples the process's current CPU and memory utilization as
// fractions in [0,1], scoped to its cgroup limit when one is set.
type Reader struct {
	memLimitBytes int64 // 0 means no cgroup limit detected
}

// NewReader detects the container memory limit once at startup; cgroup
// limits don't change at runtime, so there's nothing to refresh on Sample.
func NewReader() *Reader {
	limit, _ := memoryLimitBytes()
	return &Reader{memLimitBytes: limit}
}

// Sample returns (cpuFraction, memFraction), each in [0,1].
func (r *Reader) Sample(ctx context.Context) (float64, float64, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuFrac float64
	if len(cpuPct) > 0 {
		cpuFrac = cpuPct[0] / 100.0
	}

	memFrac, err := r.memFraction()
	if err != nil {
		return cpuFrac, 0, err
	}
	return clamp01(cpuFrac), clamp01(memFrac), nil
}

func (r *Reader) memFraction() (float64, error) {
	if r.memLimitBytes > 0 {
		used, err := cgroupMemoryUsageBytes()
		if err == nil {
			return float64(used) / float64(r.memLimitBytes), nil
		}
	}

	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.UsedPercent / 100.0, nil
}

// memoryLimitBytes reads the container memory limit from cgroup v2 first,
// then cgroup v1. Returns 0 (no limit) outside a constrained container.
func memoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}

func cgroupMemoryUsageBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.current"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.usage_in_bytes")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
