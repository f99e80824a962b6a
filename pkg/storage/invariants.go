package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukapos/opscore/pkg/types"
)

// InsertInvariantViolations appends violation rows for one cycle.
func (p *Postgres) InsertInvariantViolations(ctx context.Context, violations []types.InvariantViolation) error {
	for _, v := range violations {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO invariant_violations (id, invariant, shop_id, entity_id, entity_type,
				details, auto_corrected, incident_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			v.ID, v.Invariant, v.ShopID, v.EntityID, v.EntityType,
			v.Details, v.AutoCorrected, v.IncidentID, v.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert violation: %w", err)
		}
	}
	return nil
}

// InsertDriftScore appends one composite drift sample.
func (p *Postgres) InsertDriftScore(ctx context.Context, score int, components map[string]types.DriftComponent) error {
	data, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("failed to encode drift components: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO drift_scores (id, score, components, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), score, data, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to insert drift score: %w", err)
	}
	return nil
}

// LatestDriftScore returns the newest drift score, 100 when none recorded.
func (p *Postgres) LatestDriftScore(ctx context.Context) (int, error) {
	var score int
	err := p.db.GetContext(ctx, &score, `
		SELECT score FROM drift_scores ORDER BY created_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 100, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get latest drift score: %w", err)
	}
	return score, nil
}

// DriftScoresSince returns drift samples newer than since, oldest first.
func (p *Postgres) DriftScoresSince(ctx context.Context, since time.Time) ([]types.DriftScore, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, score, components, created_at FROM drift_scores
		WHERE created_at > $1 ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift scores: %w", err)
	}
	defer rows.Close()

	var samples []types.DriftScore
	for rows.Next() {
		var s types.DriftScore
		var components []byte
		if err := rows.Scan(&s.ID, &s.Score, &components, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drift score: %w", err)
		}
		if err := json.Unmarshal(components, &s.Components); err != nil {
			return nil, fmt.Errorf("failed to decode drift components: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// --- Invariant analytic queries -----------------------------------------
//
// The database is the source of truth for business state, so each check is
// one SQL query returning counter-examples.

// NegativeStockRows finds stock rows with on-hand quantity below zero.
func (p *Postgres) NegativeStockRows(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "stock", `
		SELECT id, shop_id, 'quantity=' || quantity FROM stocks WHERE quantity < 0`)
}

// SaleTotalMismatches finds confirmed sales whose total deviates from the
// sum of line totals by more than one minor unit.
func (p *Postgres) SaleTotalMismatches(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "sale", `
		SELECT s.id, s.shop_id,
			'total=' || s.total || ' items=' || COALESCE(SUM(i.line_total), 0)
		FROM sales s
		LEFT JOIN sale_items i ON i.sale_id = s.id
		WHERE s.status = 'CONFIRMED'
		GROUP BY s.id
		HAVING ABS(s.total - COALESCE(SUM(i.line_total), 0)) > 1`)
}

// PaymentMismatches finds confirmed sales whose paid plus credit amounts
// deviate from the sale total by more than one minor unit.
func (p *Postgres) PaymentMismatches(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "sale", `
		SELECT id, shop_id,
			'total=' || total || ' paid=' || paid_amount || ' credit=' || credit_amount
		FROM sales
		WHERE status = 'CONFIRMED'
		  AND ABS(total - (paid_amount + credit_amount)) > 1`)
}

// DuplicateInvoices finds invoice numbers used by more than one sale.
func (p *Postgres) DuplicateInvoices(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "invoice", `
		SELECT MIN(id), MIN(shop_id), 'invoice=' || invoice_number || ' count=' || COUNT(*)
		FROM sales
		WHERE invoice_number <> ''
		GROUP BY invoice_number
		HAVING COUNT(*) > 1`)
}

// StockMovementImbalances finds stocks whose on-hand quantity differs from
// the sum of their movement deltas.
func (p *Postgres) StockMovementImbalances(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "stock", `
		SELECT s.id, s.shop_id,
			'quantity=' || s.quantity || ' movements=' || COALESCE(SUM(m.delta), 0)
		FROM stocks s
		LEFT JOIN stock_movements m ON m.stock_id = s.id
		GROUP BY s.id
		HAVING s.quantity <> COALESCE(SUM(m.delta), 0)`)
}

// CreditLimitExceeded finds customers whose outstanding credit exceeds 105%
// of their limit.
func (p *Postgres) CreditLimitExceeded(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "customer", `
		SELECT id, shop_id,
			'outstanding=' || credit_outstanding || ' limit=' || credit_limit
		FROM customers
		WHERE credit_limit > 0
		  AND credit_outstanding > credit_limit * 105 / 100`)
}

// OrphanedSaleItems finds sale items referencing a non-existent sale.
func (p *Postgres) OrphanedSaleItems(ctx context.Context) ([]types.ViolationRecord, error) {
	return p.violationQuery(ctx, "sale_item", `
		SELECT i.id, '', 'sale_id=' || i.sale_id
		FROM sale_items i
		LEFT JOIN sales s ON s.id = i.sale_id
		WHERE s.id IS NULL`)
}

// DeleteOrphanedSaleItems removes the given orphaned sale items; the only
// auto-correction the catalogue classifies as safe.
func (p *Postgres) DeleteOrphanedSaleItems(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := p.db.ExecContext(ctx, `DELETE FROM sale_items WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete orphaned sale item: %w", err)
		}
	}
	return nil
}

func (p *Postgres) violationQuery(ctx context.Context, entityType, query string) ([]types.ViolationRecord, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("invariant query failed: %w", err)
	}
	defer rows.Close()

	var violations []types.ViolationRecord
	for rows.Next() {
		var v types.ViolationRecord
		if err := rows.Scan(&v.EntityID, &v.ShopID, &v.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.EntityType = entityType
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// --- Forensic counters ---------------------------------------------------

// CountNegativeStock returns the number of negative-stock rows.
func (p *Postgres) CountNegativeStock(ctx context.Context) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM stocks WHERE quantity < 0`)
	return n, err
}

// CountPaymentGapSales returns the number of confirmed sales with a payment
// gap.
func (p *Postgres) CountPaymentGapSales(ctx context.Context) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM sales
		WHERE status = 'CONFIRMED' AND ABS(total - (paid_amount + credit_amount)) > 1`)
	return n, err
}

// ActiveConnections returns the number of active database connections.
func (p *Postgres) ActiveConnections(ctx context.Context) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM pg_stat_activity WHERE state IS NOT NULL`)
	return n, err
}
