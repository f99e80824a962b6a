package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukapos/opscore/pkg/types"
)

// InsertPerfObservation appends one per-endpoint performance sample.
func (p *Postgres) InsertPerfObservation(ctx context.Context, obs *types.PerfObservation) error {
	if obs.ID == "" {
		obs.ID = uuid.New().String()
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = nowUTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO perf_observations (id, endpoint, p95_ms, p99_ms, sample_count,
			slow_query, index_suggestion, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		obs.ID, obs.Endpoint, obs.P95Ms, obs.P99Ms, obs.SampleCount,
		obs.SlowQuery, obs.IndexSuggestion, obs.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to insert perf observation: %w", err)
	}
	return nil
}

// SlowQuery is a statement-statistics row worth flagging.
type SlowQuery struct {
	Query      string  `db:"query"`
	MeanTimeMs float64 `db:"mean_time_ms"`
	Calls      int64   `db:"calls"`
}

// SlowQueries collects statements with mean time above 500ms and more than
// 10 calls. Requires pg_stat_statements; callers treat an error as the
// extension being absent.
func (p *Postgres) SlowQueries(ctx context.Context) ([]SlowQuery, error) {
	var out []SlowQuery
	err := p.db.SelectContext(ctx, &out, `
		SELECT query, mean_exec_time AS mean_time_ms, calls
		FROM pg_stat_statements
		WHERE mean_exec_time > 500 AND calls > 10
		ORDER BY mean_exec_time DESC
		LIMIT 20`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect slow queries: %w", err)
	}
	return out, nil
}

// IndexSuggestion is a table whose scan profile suggests a missing index.
type IndexSuggestion struct {
	Table    string `db:"relname"`
	SeqScans int64  `db:"seq_scan"`
	SeqReads int64  `db:"seq_tup_read"`
	IdxScans int64  `db:"idx_scan"`
}

// IndexSuggestions finds tables with heavy sequential scanning and little
// index usage. Advisory only; the engine never issues DDL.
func (p *Postgres) IndexSuggestions(ctx context.Context) ([]IndexSuggestion, error) {
	var out []IndexSuggestion
	err := p.db.SelectContext(ctx, &out, `
		SELECT relname, seq_scan, seq_tup_read, COALESCE(idx_scan, 0) AS idx_scan
		FROM pg_stat_user_tables
		WHERE seq_scan > 100 AND seq_tup_read > 10000
		  AND COALESCE(idx_scan, 0) < seq_scan / 10
		ORDER BY seq_tup_read DESC
		LIMIT 20`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect index suggestions: %w", err)
	}
	return out, nil
}

// PoolSaturation returns (active+idle)/max_connections as a percentage.
func (p *Postgres) PoolSaturation(ctx context.Context) (float64, error) {
	var saturation float64
	err := p.db.GetContext(ctx, &saturation, `
		SELECT COUNT(*)::float * 100 / current_setting('max_connections')::float
		FROM pg_stat_activity
		WHERE state IN ('active', 'idle')`)
	if err != nil {
		return 0, fmt.Errorf("failed to compute pool saturation: %w", err)
	}
	return saturation, nil
}
