package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukapos/opscore/pkg/types"
)

// AuditTimeFormat is the timestamp-as-text representation hashed into the
// audit chain. Changing it would break verification of historical chains.
const AuditTimeFormat = "2006-01-02T15:04:05.000Z"

// InsertSecurityEvent appends one security event.
func (p *Postgres) InsertSecurityEvent(ctx context.Context, ev *types.SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowUTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO security_events (id, event_type, ip, user_id, details, severity, auto_blocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EventType, ev.IP, ev.UserID, ev.Details, ev.Severity, ev.AutoBlocked, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// UpsertSecurityBlock blocks a target, extending any existing block.
func (p *Postgres) UpsertSecurityBlock(ctx context.Context, target string, targetType types.BlockTargetType, reason string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO security_blocks (id, target, target_type, reason, blocked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (target) DO UPDATE
		SET reason = EXCLUDED.reason, blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at, lifted_at = NULL, lifted_by = ''`,
		uuid.New().String(), target, targetType, reason, nowUTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert security block: %w", err)
	}
	return nil
}

// IsBlocked reports whether the target has an effective block.
func (p *Postgres) IsBlocked(ctx context.Context, target string) (bool, error) {
	var blocked bool
	err := p.db.GetContext(ctx, &blocked, `
		SELECT EXISTS (
			SELECT 1 FROM security_blocks
			WHERE target = $1 AND lifted_at IS NULL AND expires_at > NOW()
		)`, target)
	if err != nil {
		return false, fmt.Errorf("failed to check security block: %w", err)
	}
	return blocked, nil
}

// LiftSecurityBlock manually lifts a block before expiry.
func (p *Postgres) LiftSecurityBlock(ctx context.Context, target, liftedBy string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE security_blocks SET lifted_at = $2, lifted_by = $3
		WHERE target = $1 AND lifted_at IS NULL`,
		target, nowUTC(), liftedBy)
	if err != nil {
		return fmt.Errorf("failed to lift security block: %w", err)
	}
	return nil
}

// --- Audit chain ---------------------------------------------------------

// AppendAuditEntry writes a new chain link, hashing it against the previous
// entry inside one transaction.
func (p *Postgres) AppendAuditEntry(ctx context.Context, action, entityType, entityID string) (*types.AuditChainEntry, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	prevHash := types.GenesisHash
	var prev string
	err = tx.GetContext(ctx, &prev, `
		SELECT row_hash FROM audit_chain ORDER BY created_at DESC, id DESC LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}
	if err == nil {
		prevHash = prev
	}

	entry := &types.AuditChainEntry{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		PrevHash:   prevHash,
		CreatedAt:  nowUTC(),
	}
	entry.RowHash = AuditRowHash(entry)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_chain (id, action, entity_type, entity_id, row_hash, prev_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Action, entry.EntityType, entry.EntityID,
		entry.RowHash, entry.PrevHash, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return entry, nil
}

// AuditRowHash computes the chain hash:
// SHA256(prev_hash || id || action || entity_type || entity_id || created_at).
func AuditRowHash(e *types.AuditChainEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.ID))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.EntityType))
	h.Write([]byte(e.EntityID))
	h.Write([]byte(e.CreatedAt.UTC().Format(AuditTimeFormat)))
	return hex.EncodeToString(h.Sum(nil))
}

// ListAuditEntries returns the oldest limit entries in chain order.
func (p *Postgres) ListAuditEntries(ctx context.Context, limit int) ([]types.AuditChainEntry, error) {
	var entries []types.AuditChainEntry
	err := p.db.SelectContext(ctx, &entries, `
		SELECT id, action, entity_type, entity_id, row_hash, prev_hash, created_at
		FROM audit_chain ORDER BY created_at ASC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// CountSecurityEventsSince returns per-type security event counts after
// since.
func (p *Postgres) CountSecurityEventsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM security_events
		WHERE created_at > $1 GROUP BY event_type`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count security events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}

// --- Pattern scanner queries --------------------------------------------

// LargeTransaction is a confirmed sale above the large-value threshold.
type LargeTransaction struct {
	SaleID string `db:"id"`
	ShopID string `db:"shop_id"`
	UserID string `db:"user_id"`
	Total  int64  `db:"total"`
}

// LargeTransactionsSince finds confirmed sales at or above minTotal.
func (p *Postgres) LargeTransactionsSince(ctx context.Context, since time.Time, minTotal int64) ([]LargeTransaction, error) {
	var out []LargeTransaction
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, shop_id, user_id, total FROM sales
		WHERE status = 'CONFIRMED' AND created_at > $1 AND total >= $2`,
		since, minTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to find large transactions: %w", err)
	}
	return out, nil
}

// RapidFireSeller is a user with an anomalous confirmed-sale burst.
type RapidFireSeller struct {
	UserID string `db:"user_id"`
	Count  int    `db:"count"`
}

// RapidFireSellers finds users with more than maxSales confirmed sales
// inside any 5-minute window ending within the scan period.
func (p *Postgres) RapidFireSellers(ctx context.Context, since time.Time, maxSales int) ([]RapidFireSeller, error) {
	var out []RapidFireSeller
	err := p.db.SelectContext(ctx, &out, `
		SELECT user_id, MAX(count) AS count FROM (
			SELECT user_id, COUNT(*) AS count FROM sales
			WHERE status = 'CONFIRMED' AND user_id <> ''
			  AND created_at > $1
			GROUP BY user_id, FLOOR(EXTRACT(EPOCH FROM created_at) / 300)
		) windows
		WHERE count > $2
		GROUP BY user_id`, since, maxSales)
	if err != nil {
		return nil, fmt.Errorf("failed to find rapid-fire sellers: %w", err)
	}
	return out, nil
}

// VoidSpikeShop is a shop with an anomalous voided-sale fraction.
type VoidSpikeShop struct {
	ShopID    string  `db:"shop_id"`
	Confirmed int     `db:"confirmed"`
	Voided    int     `db:"voided"`
	Fraction  float64 `db:"fraction"`
}

// VoidSpikeShops finds shops whose voided fraction exceeded 10% of at least
// five confirmed sales in the last hour.
func (p *Postgres) VoidSpikeShops(ctx context.Context, since time.Time) ([]VoidSpikeShop, error) {
	var out []VoidSpikeShop
	err := p.db.SelectContext(ctx, &out, `
		SELECT shop_id,
			COUNT(*) FILTER (WHERE status = 'CONFIRMED') AS confirmed,
			COUNT(*) FILTER (WHERE status = 'VOIDED') AS voided,
			COUNT(*) FILTER (WHERE status = 'VOIDED')::float
				/ GREATEST(COUNT(*) FILTER (WHERE status = 'CONFIRMED'), 1) AS fraction
		FROM sales
		WHERE created_at > $1
		GROUP BY shop_id
		HAVING COUNT(*) FILTER (WHERE status = 'CONFIRMED') >= 5
		   AND COUNT(*) FILTER (WHERE status = 'VOIDED')::float
				/ COUNT(*) FILTER (WHERE status = 'CONFIRMED') > 0.10`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to find void spikes: %w", err)
	}
	return out, nil
}
