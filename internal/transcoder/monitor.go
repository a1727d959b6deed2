package transcoder

import (
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a point-in-time resource sample for a transcoder process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss_bytes"`
}

// Monitor samples CPU and memory usage of one transcoder process.
// CPU percentages are computed over the interval between Sample calls,
// so the first sample reports zero.
type Monitor struct {
	proc *process.Process
}

// NewMonitor creates a monitor for the given pid.
func NewMonitor(pid int) (*Monitor, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	return &Monitor{proc: proc}, nil
}

// Sample returns the current resource usage. Returns an error once the
// process has exited.
func (m *Monitor) Sample() (ProcessStats, error) {
	cpu, err := m.proc.Percent(0)
	if err != nil {
		return ProcessStats{}, err
	}

	stats := ProcessStats{
		PID:        int(m.proc.Pid),
		CPUPercent: cpu,
	}

	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSS = mem.RSS
	}

	return stats, nil
}
