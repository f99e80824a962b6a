package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/perf"
	"github.com/dukapos/opscore/pkg/types"
)

type fakeHealthStore struct {
	driftScore     int
	summary        types.IncidentSummary
	backupPassedAt time.Time
	backupErr      error
	pending        bool
	migrationsErr  error

	state        types.SafeModeState
	healthScores []int
}

func (f *fakeHealthStore) InsertHealthScore(_ context.Context, score int, _ types.HealthComponents, _ bool) error {
	f.healthScores = append(f.healthScores, score)
	return nil
}

func (f *fakeHealthStore) GetSafeModeState(context.Context) (*types.SafeModeState, error) {
	cp := f.state
	return &cp, nil
}

func (f *fakeHealthStore) EnableSafeMode(_ context.Context, reason, enabledBy, token string) error {
	f.state = types.SafeModeState{SafeMode: true, Reason: reason, EnabledBy: enabledBy, OverrideToken: token}
	return nil
}

func (f *fakeHealthStore) DisableSafeMode(_ context.Context, token string) (bool, error) {
	if !f.state.SafeMode || f.state.OverrideToken != token {
		return false, nil
	}
	f.state = types.SafeModeState{}
	return true, nil
}

func (f *fakeHealthStore) LatestDriftScore(context.Context) (int, error) {
	return f.driftScore, nil
}

func (f *fakeHealthStore) OpenIncidentSummary(context.Context) (types.IncidentSummary, error) {
	return f.summary, nil
}

func (f *fakeHealthStore) LatestPassedBackupTime(context.Context) (time.Time, error) {
	return f.backupPassedAt, f.backupErr
}

func (f *fakeHealthStore) HasPendingMigrations(context.Context) (bool, error) {
	return f.pending, f.migrationsErr
}

type captureNotifier struct {
	alerts []alert.Alert
}

func (c *captureNotifier) Notify(_ context.Context, a alert.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func newTestScorer(store *fakeHealthStore) (*Scorer, *captureNotifier, *metrics.Registry) {
	notifier := &captureNotifier{}
	registry := metrics.NewRegistry()
	scorer := NewScorer(store, perf.NewLatencyTracker(), registry, alert.NewDispatcher(notifier))
	return scorer, notifier, registry
}

func TestHealthySystemScoresA(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeHealthStore{
		driftScore:     100,
		backupPassedAt: now.Add(-2 * time.Hour),
	}
	scorer, _, _ := newTestScorer(store)
	scorer.now = func() time.Time { return now }

	report, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.HealthComponents{
		Integrity: 30, ErrorRate: 20, Latency: 15,
		Incidents: 20, Backup: 10, Migrations: 5,
	}, report.Components)
	assert.Equal(t, 100, report.Score)
	assert.Equal(t, "A", report.Grade)
	assert.False(t, report.SafeMode)
}

func TestIntegrityComponentRounds(t *testing.T) {
	store := &fakeHealthStore{driftScore: 93}
	scorer, _, _ := newTestScorer(store)

	report, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 28, report.Components.Integrity)
}

func TestIncidentComponentFloorsAtZero(t *testing.T) {
	store := &fakeHealthStore{
		driftScore: 100,
		summary:    types.IncidentSummary{OpenP1: 3, Total: 3},
	}
	scorer, _, _ := newTestScorer(store)

	report, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Components.Incidents)
}

func TestMigrationsPartialCreditOnQueryFailure(t *testing.T) {
	store := &fakeHealthStore{driftScore: 100, migrationsErr: assert.AnError}
	scorer, _, _ := newTestScorer(store)

	report, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Components.Migrations)
}

func TestBackupComponentTiers(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		age  time.Duration
		want int
	}{
		{2 * time.Hour, 10},
		{18 * time.Hour, 7},
		{36 * time.Hour, 3},
		{72 * time.Hour, 0},
	}
	for _, tc := range cases {
		store := &fakeHealthStore{driftScore: 100, backupPassedAt: now.Add(-tc.age)}
		scorer, _, _ := newTestScorer(store)
		scorer.now = func() time.Time { return now }

		report, err := scorer.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tc.want, report.Components.Backup, "age %s", tc.age)
	}
}

func TestGradeBands(t *testing.T) {
	assert.Equal(t, "A", GradeFor(90))
	assert.Equal(t, "B", GradeFor(89))
	assert.Equal(t, "B", GradeFor(75))
	assert.Equal(t, "C", GradeFor(74))
	assert.Equal(t, "D", GradeFor(40))
	assert.Equal(t, "F", GradeFor(39))
}

func TestGradeFEngagesSafeMode(t *testing.T) {
	// Everything degraded: 0 integrity, bad error rate, no backups,
	// saturated with P1 incidents. Only migrations and idle latency
	// contribute.
	store := &fakeHealthStore{
		driftScore: 0,
		summary:    types.IncidentSummary{OpenP1: 3, Total: 3},
	}
	scorer, notifier, registry := newTestScorer(store)
	registry.SetGauge("http.error_rate", 0.08)

	report, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, report.Score)
	assert.Equal(t, "F", report.Grade)
	assert.True(t, report.SafeMode)
	assert.True(t, store.state.SafeMode)
	assert.Equal(t, safeModeReason, store.state.Reason)
	assert.NotEmpty(t, store.state.OverrideToken)

	require.NotEmpty(t, notifier.alerts)
	assert.Equal(t, types.SeverityCritical, notifier.alerts[0].Severity)
}

func TestGradeDAlertsWithoutEngaging(t *testing.T) {
	// Score in the 40s: alert, but no safe mode.
	store := &fakeHealthStore{
		driftScore: 50,                               // integrity 15
		summary:    types.IncidentSummary{OpenP2: 2}, // incidents 10
	}
	scorer, notifier, registry := newTestScorer(store)
	registry.SetGauge("http.error_rate", 0.08) // errorRate 0

	report, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)

	// integrity 15 + latency 15 + incidents 10 + migrations 5.
	assert.Equal(t, 45, report.Score)
	assert.False(t, store.state.SafeMode)
	require.Len(t, notifier.alerts, 1)
	assert.Contains(t, notifier.alerts[0].Title, "Health degraded")
}

func TestSafeModeAlreadyOnDoesNotReengage(t *testing.T) {
	store := &fakeHealthStore{
		driftScore: 0,
		state:      types.SafeModeState{SafeMode: true, Reason: "manual", OverrideToken: "tok"},
	}
	scorer, notifier, _ := newTestScorer(store)

	_, err := scorer.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "manual", store.state.Reason)
	assert.Empty(t, notifier.alerts)
}

func TestDisableSafeModeTokenMismatch(t *testing.T) {
	store := &fakeHealthStore{}
	scorer, _, _ := newTestScorer(store)

	token, err := scorer.EnableSafeMode(context.Background(), "maintenance", "ops")
	require.NoError(t, err)

	ok, err := scorer.DisableSafeMode(context.Background(), "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, store.state.SafeMode)

	ok, err = scorer.DisableSafeMode(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, store.state.SafeMode)
}
