package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/types"
)

// ErrIdempotencyBusy is returned when another caller holds the in-flight
// lock for a key past the maximum wait.
var ErrIdempotencyBusy = errors.New("idempotency key busy")

const (
	defaultIdempotencyTTL = 24 * time.Hour
	lockPollInterval      = 500 * time.Millisecond
	maxLockWait           = 30 * time.Second
)

// IdempotencyStore is the persistence the registry needs. Implemented by
// storage.Postgres.
type IdempotencyStore interface {
	// GetIdempotencyRecord returns the live (unexpired) record, nil if none.
	GetIdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error)
	// TryInsertIdempotencyKey inserts a locked record with
	// on-conflict-do-nothing semantics; inserted=false means a racer won.
	TryInsertIdempotencyKey(ctx context.Context, key string, expiresAt time.Time) (inserted bool, err error)
	CompleteIdempotencyRecord(ctx context.Context, key string, statusCode int, body []byte) error
	DeleteIdempotencyRecord(ctx context.Context, key string) error
	DeleteExpiredIdempotencyRecords(ctx context.Context) (int64, error)
	HasIdempotencyKeyPrefix(ctx context.Context, prefix string, since time.Time) (bool, error)
}

// Response is what a wrapped handler produces.
type Response struct {
	StatusCode int
	Body       []byte
}

// Result is what Execute returns: the response plus whether it came from the
// dedup cache.
type Result struct {
	StatusCode int
	Body       []byte
	Cached     bool
}

// Idempotency deduplicates logical requests by client-supplied key, with
// in-flight locking so at most one fn executes per live key.
type Idempotency struct {
	store  IdempotencyStore
	ttl    time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger zerolog.Logger
}

// NewIdempotency creates a registry with the default 24h TTL.
func NewIdempotency(store IdempotencyStore) *Idempotency {
	return &Idempotency{
		store:  store,
		ttl:    defaultIdempotencyTTL,
		sleep:  sleep,
		now:    time.Now,
		logger: log.WithComponent("idempotency"),
	}
}

// Execute runs fn at most once per live key. Concurrent callers with the
// same key wait for the first invocation and receive its cached response.
func (i *Idempotency) Execute(ctx context.Context, key string, fn func(ctx context.Context) (Response, error)) (Result, error) {
	deadline := i.now().Add(maxLockWait)

	for {
		record, err := i.store.GetIdempotencyRecord(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency lookup failed: %w", err)
		}

		if record != nil {
			if !record.Locked {
				return Result{StatusCode: record.StatusCode, Body: record.ResponseBody, Cached: true}, nil
			}
			// Another caller is executing. Poll until it completes or the
			// wait budget runs out.
			if i.now().After(deadline) {
				return Result{}, ErrIdempotencyBusy
			}
			if err := i.sleep(ctx, lockPollInterval); err != nil {
				return Result{}, err
			}
			continue
		}

		inserted, err := i.store.TryInsertIdempotencyKey(ctx, key, i.now().Add(i.ttl))
		if err != nil {
			return Result{}, fmt.Errorf("idempotency insert failed: %w", err)
		}
		if !inserted {
			// Lost the insert race; restart on the waiting branch.
			continue
		}
		break
	}

	resp, err := fn(ctx)
	if err != nil {
		// Free the key so a later retry can run fn again.
		if delErr := i.store.DeleteIdempotencyRecord(ctx, key); delErr != nil {
			i.logger.Error().Err(delErr).Str("key", key).Msg("failed to release key")
		}
		return Result{}, err
	}

	if err := i.store.CompleteIdempotencyRecord(ctx, key, resp.StatusCode, resp.Body); err != nil {
		return Result{}, fmt.Errorf("idempotency completion failed: %w", err)
	}
	return Result{StatusCode: resp.StatusCode, Body: resp.Body, Cached: false}, nil
}

// Cleanup deletes expired records.
func (i *Idempotency) Cleanup(ctx context.Context) (int64, error) {
	return i.store.DeleteExpiredIdempotencyRecords(ctx)
}
