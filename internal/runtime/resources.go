package runtime

import (
	goruntime "runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// resourceTracker derives process CPU usage from the delta between two
// consecutive snapshots.
type resourceTracker struct {
	mu      sync.Mutex
	sample  []metrics.Sample
	prevCPU float64
	prevAt  time.Time
	cpus    float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		sample: []metrics.Sample{{Name: cpuSecondsMetric}},
		cpus:   float64(goruntime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample)
	now := time.Now()

	var usage ResourceUsage
	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if wall := now.Sub(r.prevAt).Seconds(); !r.prevAt.IsZero() && wall > 0 && r.cpus > 0 {
			usage.CPUPercent = (cpu - r.prevCPU) / wall / r.cpus * 100
		}
		r.prevCPU = cpu
	}
	r.prevAt = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	usage.Goroutines = goruntime.NumGoroutine()
	return usage
}
