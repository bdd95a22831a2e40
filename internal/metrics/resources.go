package metrics

import (
	"fmt"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ResourceUsage is a host-side sample of the node process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler samples one pid through gopsutil. CPU percent is measured
// between consecutive samples of the same pid, so the first sample reads 0.
type ResourceSampler struct {
	mu   sync.Mutex
	proc *gopsproc.Process
	last ResourceUsage
}

// Sample reads usage for pid and publishes it to the node gauges.
func (s *ResourceSampler) Sample(pid int) (ResourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.Pid != int32(pid) {
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return ResourceUsage{}, fmt.Errorf("open pid %d: %w", pid, err)
		}
		s.proc = p
	}
	u := ResourceUsage{PID: s.proc.Pid, Timestamp: time.Now()}
	if cpu, err := s.proc.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / bytesPerMB
	if n, err := s.proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	s.last = u
	SetNodeResources(u)
	return u, nil
}

// Last returns the most recent sample.
func (s *ResourceSampler) Last() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reset forgets the sampled process and zeroes the gauges.
func (s *ResourceSampler) Reset() {
	s.mu.Lock()
	s.proc = nil
	s.last = ResourceUsage{}
	s.mu.Unlock()
	SetNodeResources(ResourceUsage{})
}
