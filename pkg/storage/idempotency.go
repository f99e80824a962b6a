package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukapos/opscore/pkg/types"
)

// GetIdempotencyRecord returns the live record for key, nil when absent or
// expired.
func (p *Postgres) GetIdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	var row struct {
		ID           string        `db:"id"`
		ResponseBody []byte        `db:"response_body"`
		StatusCode   sql.NullInt64 `db:"status_code"`
		Locked       bool          `db:"locked"`
		LockedAt     *time.Time    `db:"locked_at"`
		CreatedAt    time.Time     `db:"created_at"`
		ExpiresAt    time.Time     `db:"expires_at"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT id, response_body, status_code, locked, locked_at, created_at, expires_at
		FROM idempotency_records
		WHERE id = $1 AND expires_at > NOW()`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &types.IdempotencyRecord{
		ID:           row.ID,
		ResponseBody: row.ResponseBody,
		StatusCode:   int(row.StatusCode.Int64),
		Locked:       row.Locked,
		LockedAt:     row.LockedAt,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

// TryInsertIdempotencyKey inserts a locked record; inserted=false means a
// concurrent caller won the race.
func (p *Postgres) TryInsertIdempotencyKey(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (id, locked, locked_at, created_at, expires_at)
		VALUES ($1, TRUE, $2, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		key, nowUTC(), expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected == 1, nil
}

// CompleteIdempotencyRecord stores the response and releases the lock.
func (p *Postgres) CompleteIdempotencyRecord(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET response_body = $2, status_code = $3, locked = FALSE
		WHERE id = $1`,
		key, body, statusCode)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	return nil
}

// DeleteIdempotencyRecord frees the key after a handler failure.
func (p *Postgres) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE id = $1`, key); err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyRecords garbage-collects lapsed records.
func (p *Postgres) DeleteExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean idempotency records: %w", err)
	}
	return res.RowsAffected()
}

// HasIdempotencyKeyPrefix reports whether any key with the prefix was
// created after since; used by duplicate-transaction detection.
func (p *Postgres) HasIdempotencyKeyPrefix(ctx context.Context, prefix string, since time.Time) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM idempotency_records
			WHERE id LIKE $1 || '%' AND created_at > $2
		)`, prefix, since)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate prefix: %w", err)
	}
	return exists, nil
}
