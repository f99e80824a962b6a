package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/types"
)

// dispatchTimeout bounds the executive webhook call.
const dispatchTimeout = 10 * time.Second

// Store is the persistence surface of the report builder.
type Store interface {
	UpsertExecutiveReport(ctx context.Context, periodDate string, report types.JSONMap) error
	MarkExecutiveReportDispatched(ctx context.Context, periodDate string, at time.Time) error
	LatestDriftScore(ctx context.Context) (int, error)
	OpenIncidentSummary(ctx context.Context) (types.IncidentSummary, error)
	IncidentCountsSince(ctx context.Context, since time.Time) (opened, autoHealed int, err error)
	CountSecurityEventsSince(ctx context.Context, since time.Time) (map[string]int, error)
	LatestPassedBackupTime(ctx context.Context) (time.Time, error)
	DriftScoresSince(ctx context.Context, since time.Time) ([]types.DriftScore, error)
}

// Builder assembles and dispatches the daily executive summary.
type Builder struct {
	store      Store
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger

	now func() time.Time
}

// NewBuilder wires a report builder. An empty webhookURL skips dispatch.
func NewBuilder(store Store, webhookURL string) *Builder {
	return &Builder{
		store:      store,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: dispatchTimeout},
		logger:     log.WithComponent("report"),
		now:        time.Now,
	}
}

// Build assembles the summary for the 24 hours ending now, upserts it for
// today's period date and dispatches it when a webhook is configured.
func (b *Builder) Build(ctx context.Context) (types.JSONMap, error) {
	now := b.now().UTC()
	since := now.Add(-24 * time.Hour)
	periodDate := now.Format("2006-01-02")

	driftScore, err := b.store.LatestDriftScore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read drift score: %w", err)
	}
	summary, err := b.store.OpenIncidentSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read incidents: %w", err)
	}
	opened, autoHealed, err := b.store.IncidentCountsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	securityEvents, err := b.store.CountSecurityEventsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count security events: %w", err)
	}

	report := types.JSONMap{
		"periodDate":  periodDate,
		"driftScore":  driftScore,
		"driftTrend":  b.driftTrend(ctx, since),
		"openIncidents": types.JSONMap{
			"p1": summary.OpenP1, "p2": summary.OpenP2,
			"p3": summary.OpenP3, "p4": summary.OpenP4,
			"total": summary.Total,
		},
		"incidentsOpened24h":  opened,
		"incidentsAutoHealed": autoHealed,
		"securityEvents":      securityEvents,
		"backupFresh":         b.backupFresh(ctx, now),
		"generatedAt":         now.Format(time.RFC3339),
	}

	if err := b.store.UpsertExecutiveReport(ctx, periodDate, report); err != nil {
		return nil, fmt.Errorf("failed to persist report: %w", err)
	}

	if b.webhookURL != "" {
		if err := b.dispatch(ctx, report); err != nil {
			b.logger.Error().Err(err).Msg("report dispatch failed")
		} else if err := b.store.MarkExecutiveReportDispatched(ctx, periodDate, now); err != nil {
			b.logger.Error().Err(err).Msg("failed to mark report dispatched")
		}
	}

	b.logger.Info().Str("period", periodDate).Msg("executive report built")
	return report, nil
}

// RunCycle adapts Build to the scheduler's job signature.
func (b *Builder) RunCycle(ctx context.Context) error {
	_, err := b.Build(ctx)
	return err
}

func (b *Builder) driftTrend(ctx context.Context, since time.Time) string {
	samples, err := b.store.DriftScoresSince(ctx, since)
	if err != nil || len(samples) < 2 {
		return "flat"
	}
	first, last := samples[0].Score, samples[len(samples)-1].Score
	switch {
	case last > first:
		return "improving"
	case last < first:
		return "degrading"
	default:
		return "flat"
	}
}

func (b *Builder) backupFresh(ctx context.Context, now time.Time) bool {
	passedAt, err := b.store.LatestPassedBackupTime(ctx)
	if err != nil || passedAt.IsZero() {
		return false
	}
	return now.Sub(passedAt) < 24*time.Hour
}

func (b *Builder) dispatch(ctx context.Context, report types.JSONMap) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("executive webhook returned %d", resp.StatusCode)
	}
	return nil
}
