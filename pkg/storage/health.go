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

// InsertHealthScore appends one health sample.
func (p *Postgres) InsertHealthScore(ctx context.Context, score int, components types.HealthComponents, safeMode bool) error {
	data, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("failed to encode health components: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO health_scores (id, score, components, safe_mode, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), score, data, safeMode, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to insert health score: %w", err)
	}
	return nil
}

// GetSafeModeState reads the singleton safe-mode row.
func (p *Postgres) GetSafeModeState(ctx context.Context) (*types.SafeModeState, error) {
	var state types.SafeModeState
	err := p.db.GetContext(ctx, &state, `
		SELECT safe_mode, reason, enabled_at, enabled_by, override_token, updated_at
		FROM safe_mode_state WHERE singleton`)
	if err != nil {
		return nil, fmt.Errorf("failed to read safe mode state: %w", err)
	}
	return &state, nil
}

// EnableSafeMode turns safe mode on and rotates the override token.
func (p *Postgres) EnableSafeMode(ctx context.Context, reason, enabledBy, overrideToken string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE safe_mode_state
		SET safe_mode = TRUE, reason = $1, enabled_at = $2, enabled_by = $3,
			override_token = $4, updated_at = $2
		WHERE singleton`,
		reason, nowUTC(), enabledBy, overrideToken)
	if err != nil {
		return fmt.Errorf("failed to enable safe mode: %w", err)
	}
	return nil
}

// DisableSafeMode clears the flag iff the override token matches, inside a
// single statement so the comparison and the clear are atomic.
func (p *Postgres) DisableSafeMode(ctx context.Context, overrideToken string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE safe_mode_state
		SET safe_mode = FALSE, reason = '', enabled_at = NULL, enabled_by = '',
			override_token = '', updated_at = $2
		WHERE singleton AND safe_mode AND override_token = $1`,
		overrideToken, nowUTC())
	if err != nil {
		return false, fmt.Errorf("failed to disable safe mode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read disable result: %w", err)
	}
	return affected == 1, nil
}

// LatestPassedBackupTime returns when the newest PASSED backup validation
// completed, zero time when none exists.
func (p *Postgres) LatestPassedBackupTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := p.db.GetContext(ctx, &t, `
		SELECT validated_at FROM backup_validations
		WHERE status = 'PASSED' ORDER BY validated_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest backup: %w", err)
	}
	return t, nil
}
