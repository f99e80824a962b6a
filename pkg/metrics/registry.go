package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const histogramCapacity = 2000

// Registry is a thread-safe registry of gauges, counters and bounded
// histograms. Gauge writes evaluate declared thresholds and notify breach
// observers subject to a per-metric cooldown.
type Registry struct {
	mu         sync.RWMutex
	gauges     map[string]float64
	counters   map[string]float64
	histograms map[string]*histogram

	thresholds []Threshold
	lastBreach map[string]time.Time
	observers  []BreachHandler

	now func() time.Time
}

// histogram keeps the most recent histogramCapacity samples in a ring.
type histogram struct {
	samples []float64
	next    int
	full    bool
}

func (h *histogram) record(v float64) {
	if len(h.samples) < histogramCapacity {
		h.samples = append(h.samples, v)
		return
	}
	h.samples[h.next] = v
	h.next = (h.next + 1) % histogramCapacity
	h.full = true
}

func (h *histogram) percentile(q float64) float64 {
	if len(h.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(h.samples))
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	idx := int(math.Ceil(q/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		gauges:     make(map[string]float64),
		counters:   make(map[string]float64),
		histograms: make(map[string]*histogram),
		lastBreach: make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetGauge sets a gauge value and evaluates thresholds for the metric.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	breaches := r.evaluateLocked(name, value)
	observers := r.observers
	r.mu.Unlock()

	for _, b := range breaches {
		for _, h := range observers {
			h(b)
		}
	}
}

// Gauge returns the gauge value, 0 if absent.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Increment adds by to a counter and returns the new value.
func (r *Registry) Increment(name string, by float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += by
	return r.counters[name]
}

// Counter returns the counter value, 0 if absent.
func (r *Registry) Counter(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Record appends a sample to a histogram, creating it on first use. Older
// samples beyond the ring capacity drop silently.
func (r *Registry) Record(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = &histogram{}
		r.histograms[name] = h
	}
	h.record(value)
}

// Percentile returns the q-th percentile of the named histogram's retained
// samples, 0 when the histogram is empty or unknown.
func (r *Registry) Percentile(name string, q float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.histograms[name]
	if !ok {
		return 0
	}
	return h.percentile(q)
}

// gaugeNames returns a sorted snapshot of gauge names.
func (r *Registry) gaugeNames() []string {
	names := make([]string, 0, len(r.gauges))
	for n := range r.gauges {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) counterNames() []string {
	names := make([]string, 0, len(r.counters))
	for n := range r.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) histogramNames() []string {
	names := make([]string, 0, len(r.histograms))
	for n := range r.histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
