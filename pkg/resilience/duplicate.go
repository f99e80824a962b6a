package resilience

import (
	"context"
	"fmt"
	"time"
)

const duplicateTTL = 10 * time.Minute

// DuplicateDetector flags repeated business actions (e.g. the same sale
// submitted twice) by recording short-lived markers in the idempotency
// namespace under dup:<businessKey>:<ts>.
type DuplicateDetector struct {
	store  IdempotencyStore
	window time.Duration
	now    func() time.Time
}

// NewDuplicateDetector creates a detector with the given lookback window.
func NewDuplicateDetector(store IdempotencyStore, window time.Duration) *DuplicateDetector {
	return &DuplicateDetector{store: store, window: window, now: time.Now}
}

// Check reports whether the business key was seen within the window, and
// records the current occurrence either way.
func (d *DuplicateDetector) Check(ctx context.Context, businessKey string) (bool, error) {
	prefix := fmt.Sprintf("dup:%s:", businessKey)
	seen, err := d.store.HasIdempotencyKeyPrefix(ctx, prefix, d.now().Add(-d.window))
	if err != nil {
		return false, fmt.Errorf("duplicate lookup failed: %w", err)
	}

	key := fmt.Sprintf("dup:%s:%d", businessKey, d.now().UnixMilli())
	if _, err := d.store.TryInsertIdempotencyKey(ctx, key, d.now().Add(duplicateTTL)); err != nil {
		return seen, fmt.Errorf("duplicate marker insert failed: %w", err)
	}
	return seen, nil
}
