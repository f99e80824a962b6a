package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/types"
)

func TestGaugeDefaultsToZero(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0.0, r.Gauge("missing"))

	r.SetGauge("http.error_rate", 2.5)
	assert.Equal(t, 2.5, r.Gauge("http.error_rate"))
}

func TestIncrementReturnsNewValue(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 1.0, r.Increment("requests", 1))
	assert.Equal(t, 4.0, r.Increment("requests", 3))
	assert.Equal(t, 4.0, r.Counter("requests"))
}

func TestPercentileEmptyHistogram(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0.0, r.Percentile("latency", 95))
}

func TestPercentileOrdering(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 100; i++ {
		r.Record("latency", float64(i))
	}

	assert.Equal(t, 50.0, r.Percentile("latency", 50))
	assert.Equal(t, 95.0, r.Percentile("latency", 95))
	assert.Equal(t, 100.0, r.Percentile("latency", 100))
}

func TestHistogramRingDropsOldest(t *testing.T) {
	r := NewRegistry()
	// First fill with low values, then overwrite the whole ring with high ones.
	for i := 0; i < histogramCapacity; i++ {
		r.Record("latency", 1)
	}
	for i := 0; i < histogramCapacity; i++ {
		r.Record("latency", 1000)
	}

	assert.Equal(t, 1000.0, r.Percentile("latency", 50))
}

func TestThresholdBreachEmitsOnce(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.DeclareThreshold(Threshold{
		Metric:   "http.error_rate",
		Operator: OpGreater,
		Value:    3,
		Severity: types.SeverityHigh,
		Cooldown: time.Minute,
	})

	var breaches []Breach
	r.OnThresholdBreach(func(b Breach) { breaches = append(breaches, b) })

	r.SetGauge("http.error_rate", 5)
	r.SetGauge("http.error_rate", 6) // inside cooldown, suppressed

	require.Len(t, breaches, 1)
	assert.Equal(t, 5.0, breaches[0].Actual)
	assert.Equal(t, "http.error_rate", breaches[0].Threshold.Metric)

	// After the cooldown a new breach is emitted.
	now = now.Add(2 * time.Minute)
	r.SetGauge("http.error_rate", 7)
	assert.Len(t, breaches, 2)
}

func TestThresholdNotBreachedBelowValue(t *testing.T) {
	r := NewRegistry()
	r.DeclareThreshold(Threshold{
		Metric:   "db.pool_saturation",
		Operator: OpGreaterEqual,
		Value:    85,
		Severity: types.SeverityCritical,
		Cooldown: time.Minute,
	})

	fired := false
	r.OnThresholdBreach(func(Breach) { fired = true })

	r.SetGauge("db.pool_saturation", 84.9)
	assert.False(t, fired)

	r.SetGauge("db.pool_saturation", 85)
	assert.True(t, fired)
}

func TestSnapshotShapes(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("safe_mode", 1)
	r.Increment("http.requests", 2)
	r.Record("http.request_duration_ms", 12)

	snap := r.Snapshot()

	assert.Equal(t, 1.0, snap["safe_mode"])
	assert.Equal(t, 2.0, snap["http.requests_total"])

	hist, ok := snap["http.request_duration_ms"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 12.0, hist["p95"])
}
