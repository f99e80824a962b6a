package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/metrics"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	reg := metrics.NewRegistry()
	b := NewBreaker("db", BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenProbes:   2,
	}, reg)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_, err := b.Execute(func() (any, error) { return nil, boom })
		assert.Equal(t, boom, err)
	}

	// The very next call is rejected without executing.
	executed := false
	_, err := b.Execute(func() (any, error) {
		executed = true
		return nil, nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, executed)
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, 1.0, reg.Gauge("circuit_breaker.db.state"))
	assert.Equal(t, 5.0, reg.Counter("circuit_breaker.db.failures"))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	reg := metrics.NewRegistry()
	b := NewBreaker("db", BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenProbes:   2,
	}, reg)

	_, _ = b.Execute(func() (any, error) { return nil, errors.New("boom") })
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		_, err := b.Execute(func() (any, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 0.0, reg.Gauge("circuit_breaker.db.state"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg := metrics.NewRegistry()
	b := NewBreaker("db", BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenProbes:   2,
	}, reg)

	_, _ = b.Execute(func() (any, error) { return nil, errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	_, err := b.Execute(func() (any, error) { return nil, errors.New("still broken") })
	assert.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerReturnsResult(t *testing.T) {
	reg := metrics.NewRegistry()
	b := NewBreaker("db", DefaultBreakerConfig(), reg)

	result, err := b.Execute(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
