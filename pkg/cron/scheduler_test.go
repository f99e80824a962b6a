package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/types"
)

type panicIncidents struct {
	created []types.Incident
}

func (p *panicIncidents) Create(_ context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error) {
	inc := types.Incident{ID: "inc", Priority: priority, Title: title, Details: details}
	p.created = append(p.created, inc)
	return &inc, nil
}

type cronNotifier struct {
	alerts []alert.Alert
}

func (c *cronNotifier) Notify(_ context.Context, a alert.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func newTestScheduler() (*Scheduler, *metrics.Registry, *panicIncidents, *cronNotifier) {
	registry := metrics.NewRegistry()
	incidents := &panicIncidents{}
	notifier := &cronNotifier{}
	s := NewScheduler(registry, alert.NewDispatcher(notifier), incidents)
	s.stagger = func() time.Duration { return 0 }
	return s, registry, incidents, notifier
}

func TestRunOnStartJobFiresImmediately(t *testing.T) {
	s, registry, _, _ := newTestScheduler()
	var runs atomic.Int64
	s.Register(Job{
		Name:       "invariant",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, 1.0, registry.Counter("cron.invariant.success_total"))

	statuses := s.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, int64(1), statuses[0].RunCount)
	assert.NotNil(t, statuses[0].LastRun)
	assert.Empty(t, statuses[0].LastError)
}

func TestIntervalJobRepeats(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	var runs atomic.Int64
	s.Register(Job{
		Name:     "fast",
		Interval: 10 * time.Millisecond,
		Fn: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestJobErrorRecorded(t *testing.T) {
	s, registry, _, _ := newTestScheduler()
	s.Register(Job{
		Name:       "flaky",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(context.Context) error {
			return errors.New("db unreachable")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool {
		statuses := s.Status()
		return len(statuses) == 1 && statuses[0].RunCount == 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, "db unreachable", s.Status()[0].LastError)
	assert.Equal(t, 1.0, registry.Counter("cron.flaky.error_total"))
	assert.Equal(t, 0.0, registry.Counter("cron.flaky.success_total"))
}

func TestJobPanicConvertedToIncident(t *testing.T) {
	s, _, incidents, notifier := newTestScheduler()
	var after atomic.Int64
	s.Register(Job{
		Name:       "explosive",
		Interval:   8 * time.Millisecond,
		RunOnStart: true,
		Fn: func(context.Context) error {
			if after.Add(1) == 1 {
				panic("boom")
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// The panic is absorbed and the job keeps its schedule.
	require.Eventually(t, func() bool { return after.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	require.NotEmpty(t, incidents.created)
	assert.Equal(t, types.PriorityP2, incidents.created[0].Priority)
	assert.Contains(t, incidents.created[0].Title, "explosive")
	require.NotEmpty(t, notifier.alerts)
	assert.Equal(t, types.SeverityCritical, notifier.alerts[0].Severity)
	assert.Contains(t, s.Status()[0].LastError, "boom")
}

func TestJobsDoNotSerialize(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	release := make(chan struct{})
	var fastRuns atomic.Int64

	s.Register(Job{
		Name:       "slow",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	s.Register(Job{
		Name:     "quick",
		Interval: 10 * time.Millisecond,
		Fn: func(context.Context) error {
			fastRuns.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// The quick job keeps running while the slow one is blocked.
	require.Eventually(t, func() bool { return fastRuns.Load() >= 2 }, time.Second, 5*time.Millisecond)
	close(release)
	s.Stop()
}

func TestStopCancelsJobs(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	started := make(chan struct{})
	var cancelled atomic.Bool

	s.Register(Job{
		Name:       "long",
		Interval:   time.Hour,
		RunOnStart: true,
		Fn: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	})

	s.Start(context.Background())
	<-started
	s.Stop()

	assert.True(t, cancelled.Load())
}
