package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/types"
)

type fakeReportStore struct {
	driftScore     int
	driftSamples   []types.DriftScore
	summary        types.IncidentSummary
	opened         int
	autoHealed     int
	securityEvents map[string]int
	backupPassedAt time.Time

	upserted   map[string]types.JSONMap
	dispatched []string
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{
		driftScore:     97,
		securityEvents: map[string]int{"LARGE_TRANSACTION": 2},
		upserted:       map[string]types.JSONMap{},
	}
}

func (f *fakeReportStore) UpsertExecutiveReport(_ context.Context, periodDate string, report types.JSONMap) error {
	f.upserted[periodDate] = report
	return nil
}

func (f *fakeReportStore) MarkExecutiveReportDispatched(_ context.Context, periodDate string, _ time.Time) error {
	f.dispatched = append(f.dispatched, periodDate)
	return nil
}

func (f *fakeReportStore) LatestDriftScore(context.Context) (int, error) {
	return f.driftScore, nil
}

func (f *fakeReportStore) OpenIncidentSummary(context.Context) (types.IncidentSummary, error) {
	return f.summary, nil
}

func (f *fakeReportStore) IncidentCountsSince(context.Context, time.Time) (int, int, error) {
	return f.opened, f.autoHealed, nil
}

func (f *fakeReportStore) CountSecurityEventsSince(context.Context, time.Time) (map[string]int, error) {
	return f.securityEvents, nil
}

func (f *fakeReportStore) LatestPassedBackupTime(context.Context) (time.Time, error) {
	return f.backupPassedAt, nil
}

func (f *fakeReportStore) DriftScoresSince(context.Context, time.Time) ([]types.DriftScore, error) {
	return f.driftSamples, nil
}

func TestBuildUpsertsForPeriodDate(t *testing.T) {
	store := newFakeReportStore()
	store.opened = 3
	store.autoHealed = 2
	b := NewBuilder(store, "")

	now := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	store.backupPassedAt = now.Add(-3 * time.Hour)

	report, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2026-05-02", report["periodDate"])
	assert.Equal(t, 97, report["driftScore"])
	assert.Equal(t, 3, report["incidentsOpened24h"])
	assert.Equal(t, 2, report["incidentsAutoHealed"])
	assert.Equal(t, true, report["backupFresh"])
	assert.Contains(t, store.upserted, "2026-05-02")
	assert.Empty(t, store.dispatched, "no webhook configured")
}

func TestBuildDispatchesToWebhook(t *testing.T) {
	var received types.JSONMap
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeReportStore()
	b := NewBuilder(store, server.URL)

	_, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, received)
	assert.EqualValues(t, 97, received["driftScore"])
	require.Len(t, store.dispatched, 1)
}

func TestBuildWebhookFailureStillPersists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := newFakeReportStore()
	b := NewBuilder(store, server.URL)

	_, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.Len(t, store.upserted, 1)
	assert.Empty(t, store.dispatched)
}

func TestDriftTrend(t *testing.T) {
	store := newFakeReportStore()
	b := NewBuilder(store, "")

	store.driftSamples = []types.DriftScore{{Score: 80}, {Score: 95}}
	report, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "improving", report["driftTrend"])

	store.driftSamples = []types.DriftScore{{Score: 95}, {Score: 80}}
	report, err = b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degrading", report["driftTrend"])

	store.driftSamples = nil
	report, err = b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "flat", report["driftTrend"])
}
