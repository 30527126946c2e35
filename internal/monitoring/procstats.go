package monitoring

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcStats is a point-in-time sample of this process's resource usage.
type ProcStats struct {
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
	SampledAt  time.Time
}

// ProcSampler samples the current process via gopsutil, caching results so
// callers on hot paths (per-camera stats lines) do not hammer /proc.
type ProcSampler struct {
	mu       sync.Mutex
	proc     *process.Process
	last     ProcStats
	interval time.Duration
}

// NewProcSampler returns a sampler that refreshes at most once per interval.
// An interval of zero defaults to one second.
func NewProcSampler(interval time.Duration) *ProcSampler {
	if interval <= 0 {
		interval = time.Second
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		Logf("[Monitoring] process handle unavailable: %v", err)
	}
	return &ProcSampler{proc: p, interval: interval}
}

// Sample returns the most recent stats, refreshing if the cache is stale.
func (s *ProcSampler) Sample() ProcStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.proc == nil || now.Sub(s.last.SampledAt) < s.interval {
		return s.last
	}

	stats := ProcStats{SampledAt: now}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if n, err := s.proc.NumThreads(); err == nil {
		stats.NumThreads = n
	}
	s.last = stats
	return stats
}
