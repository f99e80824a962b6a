package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukapos/opscore/pkg/types"
)

// CreateIncident persists a new incident row.
func (p *Postgres) CreateIncident(ctx context.Context, inc *types.Incident) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO incidents (id, priority, status, title, invariant, details, forensic,
			auto_heal_attempts, auto_healed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inc.ID, inc.Priority, inc.Status, inc.Title, inc.Invariant,
		inc.Details, inc.Forensic, inc.AutoHealAttempts, inc.AutoHealed,
		inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// GetIncident returns one incident by id, nil if absent.
func (p *Postgres) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	var inc types.Incident
	err := p.db.GetContext(ctx, &inc, `SELECT * FROM incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &inc, nil
}

// UpdateIncident rewrites the mutable incident columns.
func (p *Postgres) UpdateIncident(ctx context.Context, inc *types.Incident) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = $2, details = $3, auto_heal_attempts = $4, auto_healed = $5,
			updated_at = $6, resolved_at = $7, escalated_at = $8,
			resolved_by = $9, resolved_reason = $10
		WHERE id = $1`,
		inc.ID, inc.Status, inc.Details, inc.AutoHealAttempts, inc.AutoHealed,
		inc.UpdatedAt, inc.ResolvedAt, inc.EscalatedAt, inc.ResolvedBy, inc.ResolvedReason)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return nil
}

// FindOpenIncidentByInvariant returns the newest non-terminal incident
// referencing the invariant, nil if none.
func (p *Postgres) FindOpenIncidentByInvariant(ctx context.Context, invariant string) (*types.Incident, error) {
	var inc types.Incident
	err := p.db.GetContext(ctx, &inc, `
		SELECT * FROM incidents
		WHERE invariant = $1 AND status IN ('OPEN', 'AUTO_HEALING', 'ESCALATED')
		ORDER BY created_at DESC
		LIMIT 1`, invariant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find incident by invariant: %w", err)
	}
	return &inc, nil
}

// OpenIncidentSummary counts non-terminal incidents per priority band.
func (p *Postgres) OpenIncidentSummary(ctx context.Context) (types.IncidentSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT priority, COUNT(*) FROM incidents
		WHERE status IN ('OPEN', 'AUTO_HEALING', 'ESCALATED')
		GROUP BY priority`)
	if err != nil {
		return types.IncidentSummary{}, fmt.Errorf("failed to summarize incidents: %w", err)
	}
	defer rows.Close()

	var summary types.IncidentSummary
	for rows.Next() {
		var priority string
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return types.IncidentSummary{}, fmt.Errorf("failed to scan incident summary: %w", err)
		}
		switch types.Priority(priority) {
		case types.PriorityP1:
			summary.OpenP1 = count
		case types.PriorityP2:
			summary.OpenP2 = count
		case types.PriorityP3:
			summary.OpenP3 = count
		case types.PriorityP4:
			summary.OpenP4 = count
		}
		summary.Total += count
	}
	return summary, rows.Err()
}

// IncidentCountsSince returns how many incidents were opened and how many
// were auto-healed after since.
func (p *Postgres) IncidentCountsSince(ctx context.Context, since time.Time) (opened, autoHealed int, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE auto_healed)
		FROM incidents WHERE created_at > $1`, since).Scan(&opened, &autoHealed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return opened, autoHealed, nil
}

// ListOpenIncidents returns non-terminal incidents ordered P1 first, then
// newest first, capped at limit.
func (p *Postgres) ListOpenIncidents(ctx context.Context, limit int) ([]*types.Incident, error) {
	var incidents []*types.Incident
	err := p.db.SelectContext(ctx, &incidents, `
		SELECT * FROM incidents
		WHERE status IN ('OPEN', 'AUTO_HEALING', 'ESCALATED')
		ORDER BY priority ASC, created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	return incidents, nil
}
