package metrics

import "strings"

// Snapshot is a point-in-time JSON view of every metric: gauges by name,
// counters with a _total suffix, and p50/p95/p99 per histogram.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any)
	for _, name := range r.gaugeNames() {
		out[name] = r.gauges[name]
	}
	for _, name := range r.counterNames() {
		key := name
		if !strings.HasSuffix(key, "_total") {
			key += "_total"
		}
		out[key] = r.counters[name]
	}
	for _, name := range r.histogramNames() {
		h := r.histograms[name]
		out[name] = map[string]float64{
			"p50": h.percentile(50),
			"p95": h.percentile(95),
			"p99": h.percentile(99),
		}
	}
	return out
}
