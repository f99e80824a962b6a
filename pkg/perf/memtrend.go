package perf

import (
	"runtime"
	"sync"
	"time"
)

const (
	// memTrendSamples is how many heap samples the trend keeps, one per
	// minute.
	memTrendSamples = 60

	// memGrowthThreshold is the MB-per-minute slope above which the heap is
	// reported as growing.
	memGrowthThreshold = 5.0
)

type memSample struct {
	at time.Time
	mb float64
}

// MemTrend tracks heap usage over the last hour and fits a linear growth
// rate to it.
type MemTrend struct {
	mu      sync.Mutex
	samples []memSample

	now func() time.Time
}

// NewMemTrend creates an empty trend.
func NewMemTrend() *MemTrend {
	return &MemTrend{now: time.Now}
}

// Sample records the current heap allocation.
func (m *MemTrend) Sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.record(float64(mem.HeapAlloc) / (1024 * 1024))
}

func (m *MemTrend) record(mb float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, memSample{at: m.now(), mb: mb})
	if len(m.samples) > memTrendSamples {
		m.samples = m.samples[len(m.samples)-memTrendSamples:]
	}
}

// SlopeMBPerMinute fits a least-squares line over (timestamp, heap MB) and
// returns its slope. Fewer than two samples yield 0.
func (m *MemTrend) SlopeMBPerMinute() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := float64(len(m.samples))
	if n < 2 {
		return 0
	}

	origin := m.samples[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range m.samples {
		x := s.at.Sub(origin).Minutes()
		sumX += x
		sumY += s.mb
		sumXY += x * s.mb
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Growing reports whether the heap is growing faster than the threshold.
func (m *MemTrend) Growing() bool {
	return m.SlopeMBPerMinute() > memGrowthThreshold
}
