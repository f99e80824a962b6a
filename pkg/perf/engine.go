package perf

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/storage"
	"github.com/dukapos/opscore/pkg/types"
)

// Store is the persistence surface of the performance engine.
type Store interface {
	InsertPerfObservation(ctx context.Context, obs *types.PerfObservation) error
	SlowQueries(ctx context.Context) ([]storage.SlowQuery, error)
	IndexSuggestions(ctx context.Context) ([]storage.IndexSuggestion, error)
	PoolSaturation(ctx context.Context) (float64, error)
}

// IncidentOpener opens incidents when overload risk turns critical.
type IncidentOpener interface {
	Create(ctx context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error)
}

// Engine runs the periodic performance cycle: persist per-endpoint
// percentiles, collect database advisories and score overload risk.
type Engine struct {
	store     Store
	incidents IncidentOpener
	tracker   *LatencyTracker
	memTrend  *MemTrend
	registry  *metrics.Registry
	logger    zerolog.Logger
}

// NewEngine wires a performance engine.
func NewEngine(store Store, incidents IncidentOpener, tracker *LatencyTracker, memTrend *MemTrend, registry *metrics.Registry) *Engine {
	return &Engine{
		store:     store,
		incidents: incidents,
		tracker:   tracker,
		memTrend:  memTrend,
		registry:  registry,
		logger:    log.WithComponent("perf"),
	}
}

// RunCycle executes one performance sweep.
func (e *Engine) RunCycle(ctx context.Context) error {
	slowQuery, indexSuggestion := e.collectAdvisories(ctx)

	saturation, err := e.store.PoolSaturation(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("pool saturation unavailable")
	} else {
		e.registry.SetGauge("db.pool_saturation_pct", saturation)
	}

	worstP95 := 0.0
	worstBaseline := 0.0
	for _, endpoint := range e.tracker.Endpoints() {
		p95 := e.tracker.Percentile(endpoint, 0.95)
		obs := &types.PerfObservation{
			Endpoint:        endpoint,
			P95Ms:           p95,
			P99Ms:           e.tracker.Percentile(endpoint, 0.99),
			SampleCount:     e.tracker.SampleCount(endpoint),
			SlowQuery:       slowQuery,
			IndexSuggestion: indexSuggestion,
		}
		if err := e.store.InsertPerfObservation(ctx, obs); err != nil {
			return fmt.Errorf("failed to persist perf observation: %w", err)
		}
		if p95 > worstP95 {
			worstP95 = p95
			worstBaseline = e.tracker.Percentile(endpoint, 0.50)
		}
	}

	signals := OverloadSignals{
		P95Ms:             worstP95,
		BaselineP50Ms:     worstBaseline,
		SaturationPct:     saturation,
		ErrorRatePct:      e.registry.Gauge("http.error_rate") * 100,
		MemGrowthMBPerMin: e.memTrend.SlopeMBPerMinute(),
	}
	score := OverloadScore(signals)
	band := BandFor(score)

	e.registry.SetGauge("overload.score", float64(score))
	e.logger.Info().
		Int("overload_score", score).
		Str("band", string(band)).
		Float64("saturation_pct", saturation).
		Msg("performance cycle complete")

	if band == RiskCritical {
		_, err := e.incidents.Create(ctx, types.PriorityP2,
			fmt.Sprintf("Overload risk CRITICAL (score %d)", score), "",
			types.JSONMap{
				"score":             score,
				"p95Ms":             signals.P95Ms,
				"baselineP50Ms":     signals.BaselineP50Ms,
				"saturationPct":     signals.SaturationPct,
				"errorRatePct":      signals.ErrorRatePct,
				"memGrowthMbPerMin": signals.MemGrowthMBPerMin,
			})
		if err != nil {
			return fmt.Errorf("failed to open overload incident: %w", err)
		}
	}
	return nil
}

// collectAdvisories summarizes database-side signals; both are advisory and
// absent when the statistics views are unavailable.
func (e *Engine) collectAdvisories(ctx context.Context) (slowQuery, indexSuggestion string) {
	if queries, err := e.store.SlowQueries(ctx); err == nil && len(queries) > 0 {
		slowQuery = fmt.Sprintf("%s (mean %.0fms, %d calls)",
			truncate(queries[0].Query, 200), queries[0].MeanTimeMs, queries[0].Calls)
		e.registry.SetGauge("db.slow_queries", float64(len(queries)))
	}
	if tables, err := e.store.IndexSuggestions(ctx); err == nil && len(tables) > 0 {
		indexSuggestion = fmt.Sprintf("table %s: %d seq scans reading %d tuples",
			tables[0].Table, tables[0].SeqScans, tables[0].SeqReads)
	}
	return slowQuery, indexSuggestion
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// SampleMemory is the per-minute heap sampling hook.
func (e *Engine) SampleMemory(context.Context) error {
	e.memTrend.Sample()
	e.registry.SetGauge("mem.growth_mb_per_min", e.memTrend.SlopeMBPerMinute())
	return nil
}
