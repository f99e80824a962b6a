package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/types"
)

// fakeIdempotencyStore is an in-memory IdempotencyStore.
type fakeIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*types.IdempotencyRecord
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: make(map[string]*types.IdempotencyRecord)}
}

func (f *fakeIdempotencyStore) GetIdempotencyRecord(_ context.Context, key string) (*types.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok || r.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (f *fakeIdempotencyStore) TryInsertIdempotencyKey(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	now := time.Now()
	f.records[key] = &types.IdempotencyRecord{
		ID: key, Locked: true, LockedAt: &now, CreatedAt: now, ExpiresAt: expiresAt,
	}
	return true, nil
}

func (f *fakeIdempotencyStore) CompleteIdempotencyRecord(_ context.Context, key string, statusCode int, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok {
		return errors.New("record not found")
	}
	r.Locked = false
	r.StatusCode = statusCode
	r.ResponseBody = body
	return nil
}

func (f *fakeIdempotencyStore) DeleteIdempotencyRecord(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, key)
	return nil
}

func (f *fakeIdempotencyStore) DeleteExpiredIdempotencyRecords(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, r := range f.records {
		if r.ExpiresAt.Before(time.Now()) {
			delete(f.records, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeIdempotencyStore) HasIdempotencyKeyPrefix(_ context.Context, prefix string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, r := range f.records {
		if strings.HasPrefix(k, prefix) && r.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func TestExecuteRunsFunctionOnce(t *testing.T) {
	store := newFakeIdempotencyStore()
	idem := NewIdempotency(store)

	calls := 0
	fn := func(ctx context.Context) (Response, error) {
		calls++
		return Response{StatusCode: 201, Body: []byte(`{"id":"A"}`)}, nil
	}

	first, err := idem.Execute(context.Background(), "K1", fn)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 201, first.StatusCode)

	second, err := idem.Execute(context.Background(), "K1", fn)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, `{"id":"A"}`, string(second.Body))
	assert.Equal(t, 1, calls)
}

func TestExecuteConcurrentSingleInvocation(t *testing.T) {
	store := newFakeIdempotencyStore()
	idem := NewIdempotency(store)
	idem.sleep = func(ctx context.Context, d time.Duration) error {
		time.Sleep(time.Millisecond)
		return nil
	}

	var calls int32
	var callsMu sync.Mutex
	fn := func(ctx context.Context) (Response, error) {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return Response{StatusCode: 201, Body: []byte(`{"id":"A"}`)}, nil
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = idem.Execute(context.Background(), "K1", fn)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.EqualValues(t, 1, calls)
	cached := 0
	for _, r := range results {
		assert.Equal(t, `{"id":"A"}`, string(r.Body))
		if r.Cached {
			cached++
		}
	}
	assert.Equal(t, 1, cached, "exactly one caller should see the cached copy")

	record, err := store.GetIdempotencyRecord(context.Background(), "K1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Locked)
	assert.NotEmpty(t, record.ResponseBody)
}

func TestExecuteFailureReleasesKey(t *testing.T) {
	store := newFakeIdempotencyStore()
	idem := NewIdempotency(store)

	boom := errors.New("handler failed")
	_, err := idem.Execute(context.Background(), "K1", func(ctx context.Context) (Response, error) {
		return Response{}, boom
	})
	assert.Equal(t, boom, err)

	// The key is free again; a retry executes fn.
	result, err := idem.Execute(context.Background(), "K1", func(ctx context.Context) (Response, error) {
		return Response{StatusCode: 200, Body: []byte("ok")}, nil
	})
	require.NoError(t, err)
	assert.False(t, result.Cached)
}

func TestExecuteBusyAfterMaxWait(t *testing.T) {
	store := newFakeIdempotencyStore()
	// Seed a permanently locked record.
	_, err := store.TryInsertIdempotencyKey(context.Background(), "K1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	idem := NewIdempotency(store)
	idem.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	current := time.Now()
	idem.now = func() time.Time {
		current = current.Add(10 * time.Second)
		return current
	}

	_, err = idem.Execute(context.Background(), "K1", func(ctx context.Context) (Response, error) {
		t.Fatal("fn must not run while the key is locked")
		return Response{}, nil
	})
	assert.ErrorIs(t, err, ErrIdempotencyBusy)
}

func TestDuplicateDetector(t *testing.T) {
	store := newFakeIdempotencyStore()
	det := NewDuplicateDetector(store, 5*time.Minute)

	dup, err := det.Check(context.Background(), "sale:shop1:12345")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = det.Check(context.Background(), "sale:shop1:12345")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = det.Check(context.Background(), "sale:shop2:99")
	require.NoError(t, err)
	assert.False(t, dup)
}
