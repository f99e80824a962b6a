package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/resilience"
	"github.com/dukapos/opscore/pkg/types"
)

type failingNotifier struct {
	calls int
	err   error
}

func (f *failingNotifier) Notify(context.Context, Alert) error {
	f.calls++
	return f.err
}

func TestResilientNotifierPassesThrough(t *testing.T) {
	inner := &failingNotifier{}
	n := NewResilientNotifier("test", inner, metrics.NewRegistry())

	err := n.Notify(context.Background(), Alert{Severity: types.SeverityHigh, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestResilientNotifierOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingNotifier{err: errors.New("bad payload")}
	n := NewResilientNotifier("test", inner, metrics.NewRegistry())

	// Non-transport errors are not retried; each call is one breaker failure.
	for i := 0; i < 5; i++ {
		err := n.Notify(context.Background(), Alert{Title: "t"})
		require.Error(t, err)
	}

	err := n.Notify(context.Background(), Alert{Title: "t"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 5, inner.calls)
}
