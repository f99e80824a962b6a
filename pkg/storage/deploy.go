package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukapos/opscore/pkg/types"
)

// InsertGateRun persists one deployment gate evaluation.
func (p *Postgres) InsertGateRun(ctx context.Context, run *types.DeploymentGateRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = nowUTC()
	}
	gates, err := json.Marshal(run.Gates)
	if err != nil {
		return fmt.Errorf("failed to encode gate results: %w", err)
	}
	blockers, err := json.Marshal(run.Blockers)
	if err != nil {
		return fmt.Errorf("failed to encode gate blockers: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deployment_gate_runs (id, passed, gates, blockers, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Passed, gates, blockers, run.TriggeredBy, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert gate run: %w", err)
	}
	return nil
}

// InsertBackupValidation persists one backup validation outcome.
func (p *Postgres) InsertBackupValidation(ctx context.Context, v *types.BackupValidation) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.ValidatedAt.IsZero() {
		v.ValidatedAt = nowUTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO backup_validations (id, backup_file, size_kb, checksum, restore_tested,
			drift_clean, incident_id, validated_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.BackupFile, v.SizeKB, v.Checksum, v.RestoreTested,
		v.DriftClean, v.IncidentID, v.ValidatedAt, v.Status)
	if err != nil {
		return fmt.Errorf("failed to insert backup validation: %w", err)
	}
	return nil
}

// UpsertExecutiveReport writes the daily report for periodDate.
func (p *Postgres) UpsertExecutiveReport(ctx context.Context, periodDate string, report types.JSONMap) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO executive_reports (period_date, report)
		VALUES ($1, $2)
		ON CONFLICT (period_date) DO UPDATE SET report = EXCLUDED.report`,
		periodDate, report)
	if err != nil {
		return fmt.Errorf("failed to upsert executive report: %w", err)
	}
	return nil
}

// MarkExecutiveReportDispatched records successful delivery.
func (p *Postgres) MarkExecutiveReportDispatched(ctx context.Context, periodDate string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE executive_reports SET dispatched = TRUE, dispatched_at = $2
		WHERE period_date = $1`, periodDate, at)
	if err != nil {
		return fmt.Errorf("failed to mark report dispatched: %w", err)
	}
	return nil
}
