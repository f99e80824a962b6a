package perf

import (
	"sort"
	"sync"
	"time"
)

const (
	// maxSamplesPerEndpoint bounds memory per endpoint bucket.
	maxSamplesPerEndpoint = 2000

	// bucketResetAfter rolls each bucket so percentiles reflect recent
	// traffic rather than process lifetime.
	bucketResetAfter = 5 * time.Minute
)

type latencyBucket struct {
	samples   []float64
	startedAt time.Time
}

// LatencyTracker keeps bounded per-endpoint latency samples for percentile
// queries. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	buckets map[string]*latencyBucket

	now func() time.Time
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		buckets: make(map[string]*latencyBucket),
		now:     time.Now,
	}
}

// Record adds one latency sample in milliseconds for the endpoint.
func (t *LatencyTracker) Record(endpoint string, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	bucket, ok := t.buckets[endpoint]
	if !ok || now.Sub(bucket.startedAt) > bucketResetAfter {
		bucket = &latencyBucket{startedAt: now}
		t.buckets[endpoint] = bucket
	}
	if len(bucket.samples) >= maxSamplesPerEndpoint {
		return
	}
	bucket.samples = append(bucket.samples, ms)
}

// Percentile returns the q-th percentile (0 < q <= 1) for the endpoint, 0
// when no samples exist.
func (t *LatencyTracker) Percentile(endpoint string, q float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.buckets[endpoint]
	if !ok || len(bucket.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(bucket.samples))
	copy(sorted, bucket.samples)
	sort.Float64s(sorted)

	idx := int(q*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// SampleCount returns the number of live samples for the endpoint.
func (t *LatencyTracker) SampleCount(endpoint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket, ok := t.buckets[endpoint]
	if !ok {
		return 0
	}
	return len(bucket.samples)
}

// Endpoints lists endpoints with at least one live sample.
func (t *LatencyTracker) Endpoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.buckets))
	for endpoint, bucket := range t.buckets {
		if len(bucket.samples) > 0 {
			out = append(out, endpoint)
		}
	}
	sort.Strings(out)
	return out
}

// Baselines snapshots every endpoint's p50 for overload comparison.
func (t *LatencyTracker) Baselines() map[string]float64 {
	baselines := make(map[string]float64)
	for _, endpoint := range t.Endpoints() {
		baselines[endpoint] = t.Percentile(endpoint, 0.50)
	}
	return baselines
}
