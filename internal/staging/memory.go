package staging

import (
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kebairia/drivemirror/internal/logger"
)

// MemoryMonitor samples system memory and triggers a reclamation pass when
// usage crosses a threshold. This is a backpressure valve against unbounded
// growth across thousand-item batches, not a correctness mechanism.
type MemoryMonitor struct {
	threshold float64
	sample    func() (float64, error)
	reclaim   func()
	log       logger.Logger
}

type MonitorOption func(*MemoryMonitor)

// WithSampler overrides the memory usage source, for tests.
func WithSampler(fn func() (float64, error)) MonitorOption {
	return func(m *MemoryMonitor) {
		m.sample = fn
	}
}

// WithReclaimer overrides the reclamation pass, for tests.
func WithReclaimer(fn func()) MonitorOption {
	return func(m *MemoryMonitor) {
		m.reclaim = fn
	}
}

func NewMemoryMonitor(
	thresholdPercent float64,
	log logger.Logger,
	opts ...MonitorOption,
) *MemoryMonitor {
	m := &MemoryMonitor{
		threshold: thresholdPercent,
		sample:    systemUsedPercent,
		reclaim:   debug.FreeOSMemory,
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func systemUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Check samples usage and runs a reclamation pass when it crosses the
// threshold. Reports whether reclamation ran.
func (m *MemoryMonitor) Check() bool {
	used, err := m.sample()
	if err != nil {
		m.log.Debug("memory sample failed", "error", err.Error())
		return false
	}
	if used < m.threshold {
		return false
	}
	m.log.Warn("memory usage above threshold, reclaiming",
		"used_percent", used,
		"threshold_percent", m.threshold,
	)
	m.reclaim()
	return true
}

// Usage returns the current system memory usage percentage.
func (m *MemoryMonitor) Usage() (float64, error) {
	return m.sample()
}
