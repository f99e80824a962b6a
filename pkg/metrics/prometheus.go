package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// bridge exposes the registry to Prometheus. Gauges and counters map
// directly; histograms are exported as summaries with the 0.5/0.95/0.99
// quantiles computed from the retained ring.
type bridge struct {
	registry *Registry
}

// Describe intentionally sends nothing, making this an unchecked collector:
// the metric set is dynamic.
func (b *bridge) Describe(ch chan<- *prometheus.Desc) {}

func (b *bridge) Collect(ch chan<- prometheus.Metric) {
	r := b.registry
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.gaugeNames() {
		desc := prometheus.NewDesc(promName(name), "gauge "+name, nil, nil)
		if m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, r.gauges[name]); err == nil {
			ch <- m
		}
	}
	for _, name := range r.counterNames() {
		pn := promName(name)
		if !strings.HasSuffix(pn, "_total") {
			pn += "_total"
		}
		desc := prometheus.NewDesc(pn, "counter "+name, nil, nil)
		if m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, r.counters[name]); err == nil {
			ch <- m
		}
	}
	for _, name := range r.histogramNames() {
		h := r.histograms[name]
		var sum float64
		for _, v := range h.samples {
			sum += v
		}
		quantiles := map[float64]float64{
			0.5:  h.percentile(50),
			0.95: h.percentile(95),
			0.99: h.percentile(99),
		}
		desc := prometheus.NewDesc(promName(name), "summary "+name, nil, nil)
		if m, err := prometheus.NewConstSummary(desc, uint64(len(h.samples)), sum, quantiles); err == nil {
			ch <- m
		}
	}
}

// promName converts dotted metric names to Prometheus conventions.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// Handler serves the Prometheus exposition for the registry.
func Handler(r *Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(&bridge{registry: r})
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}
