package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dukapos/opscore/pkg/metrics"
)

const (
	deadlockMaxAttempts = 5
	deadlockBaseBackoff = 50 * time.Millisecond
	deadlockMaxBackoff  = 2 * time.Second
	deadlockJitter      = 50 * time.Millisecond

	networkMaxAttempts = 4
	networkBaseBackoff = 200 * time.Millisecond
	networkMaxBackoff  = 5 * time.Second
)

// WithDeadlockRetry runs fn, retrying store conflicts (serialization
// failures, deadlocks, lock timeouts) with exponential backoff and jitter.
// Any other failure propagates unchanged.
func WithDeadlockRetry(ctx context.Context, registry *metrics.Registry, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= deadlockMaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransientStoreConflict(lastErr) {
			return lastErr
		}
		if attempt == deadlockMaxAttempts {
			break
		}
		registry.Increment("db.deadlock_retry.count", 1)
		if err := sleep(ctx, backoff(attempt, deadlockBaseBackoff, deadlockMaxBackoff, deadlockJitter)); err != nil {
			return err
		}
	}
	registry.Increment("db.deadlock_retry.exhausted", 1)
	return lastErr
}

// WithNetworkRetry runs fn through the breaker, retrying transport-level
// failures. ErrCircuitOpen is non-retryable and returned immediately.
func WithNetworkRetry(ctx context.Context, registry *metrics.Registry, breaker *Breaker, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= networkMaxAttempts; attempt++ {
		_, lastErr = breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrCircuitOpen) || !IsTransportFailure(lastErr) {
			return lastErr
		}
		if attempt == networkMaxAttempts {
			break
		}
		registry.Increment("net.retry.count", 1)
		if err := sleep(ctx, backoff(attempt, networkBaseBackoff, networkMaxBackoff, 0)); err != nil {
			return err
		}
	}
	registry.Increment("net.retry.exhausted", 1)
	return lastErr
}

// IsTransientStoreConflict reports whether err is a retryable database
// conflict: serialization failure (40001), deadlock (40P01) or lock timeout
// (55P03).
func IsTransientStoreConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "lock timeout")
}

// IsTransportFailure reports whether err is a transport-level failure worth
// retrying: timeout, connection refused or connection reset.
func IsTransportFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout")
}

// backoff returns base*2^(attempt-1) plus uniform jitter, capped at max.
func backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	d := base << (attempt - 1)
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	if d > max {
		d = max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
