package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/events"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/types"
)

type fakeStore struct {
	incidents map[string]*types.Incident

	negativeStock int
	paymentGaps   int
	connections   int
	snapshotErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{incidents: map[string]*types.Incident{}}
}

func (f *fakeStore) CreateIncident(_ context.Context, inc *types.Incident) error {
	cp := *inc
	f.incidents[inc.ID] = &cp
	return nil
}

func (f *fakeStore) GetIncident(_ context.Context, id string) (*types.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, nil
	}
	cp := *inc
	return &cp, nil
}

func (f *fakeStore) UpdateIncident(_ context.Context, inc *types.Incident) error {
	cp := *inc
	f.incidents[inc.ID] = &cp
	return nil
}

func (f *fakeStore) FindOpenIncidentByInvariant(_ context.Context, invariant string) (*types.Incident, error) {
	for _, inc := range f.incidents {
		if inc.Invariant == invariant && !inc.Status.IsTerminal() {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) OpenIncidentSummary(_ context.Context) (types.IncidentSummary, error) {
	var s types.IncidentSummary
	for _, inc := range f.incidents {
		if inc.Status.IsTerminal() {
			continue
		}
		switch inc.Priority {
		case types.PriorityP1:
			s.OpenP1++
		case types.PriorityP2:
			s.OpenP2++
		case types.PriorityP3:
			s.OpenP3++
		default:
			s.OpenP4++
		}
		s.Total++
	}
	return s, nil
}

func (f *fakeStore) ListOpenIncidents(_ context.Context, limit int) ([]*types.Incident, error) {
	var out []*types.Incident
	for _, inc := range f.incidents {
		if !inc.Status.IsTerminal() && len(out) < limit {
			cp := *inc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CountNegativeStock(context.Context) (int, error) {
	return f.negativeStock, f.snapshotErr
}

func (f *fakeStore) CountPaymentGapSales(context.Context) (int, error) {
	return f.paymentGaps, f.snapshotErr
}

func (f *fakeStore) ActiveConnections(context.Context) (int, error) {
	return f.connections, f.snapshotErr
}

type recordingNotifier struct {
	alerts []alert.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func newTestManager(store Store) (*Manager, *recordingNotifier) {
	notifier := &recordingNotifier{}
	m := NewManager(store, alert.NewDispatcher(notifier), metrics.NewRegistry())
	return m, notifier
}

func TestCreateCapturesForensicsAndAlerts(t *testing.T) {
	store := newFakeStore()
	store.negativeStock = 3
	store.connections = 12
	m, notifier := newTestManager(store)

	inc, err := m.Create(context.Background(), types.PriorityP1, "negative stock detected", "NO_NEGATIVE_STOCK", nil)
	require.NoError(t, err)

	assert.Equal(t, types.IncidentOpen, inc.Status)
	assert.Equal(t, 3, inc.Forensic["negativeStockRows"])
	assert.Equal(t, 12, inc.Forensic["activeConnections"])

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, types.SeverityCritical, notifier.alerts[0].Severity)
}

func TestCreateSnapshotFailureDoesNotBlock(t *testing.T) {
	store := newFakeStore()
	store.snapshotErr = assert.AnError
	m, _ := newTestManager(store)

	inc, err := m.Create(context.Background(), types.PriorityP3, "latency regression", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "snapshot_failed", inc.Forensic["error"])
}

func TestCreateOrUpdateDedupesPerInvariant(t *testing.T) {
	store := newFakeStore()
	m, notifier := newTestManager(store)

	first, err := m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP1, "NO_NEGATIVE_STOCK", 4)
	require.NoError(t, err)

	second, err := m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP1, "NO_NEGATIVE_STOCK", 7)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.incidents, 1)
	assert.Equal(t, 7, store.incidents[first.ID].Details["lastViolationCount"])
	// The recurrence counts as a heal attempt on the existing incident.
	assert.Equal(t, types.IncidentAutoHealing, second.Status)
	assert.Equal(t, 1, second.AutoHealAttempts)
	// Only the initial creation alerts.
	assert.Len(t, notifier.alerts, 1)
}

func TestRecurringViolationEscalates(t *testing.T) {
	store := newFakeStore()
	m, notifier := newTestManager(store)

	inc, err := m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP1, "NO_NEGATIVE_STOCK", 2)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentOpen, inc.Status)

	for i := 0; i < 2; i++ {
		inc, err = m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP1, "NO_NEGATIVE_STOCK", 3+i)
		require.NoError(t, err)
		assert.Equal(t, types.IncidentAutoHealing, inc.Status)
	}

	inc, err = m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP1, "NO_NEGATIVE_STOCK", 9)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentEscalated, inc.Status)
	assert.GreaterOrEqual(t, inc.AutoHealAttempts, 3)
	assert.Len(t, store.incidents, 1)
	// One creation alert plus exactly one escalation page.
	assert.Len(t, notifier.alerts, 2)

	// Further recurrences keep feeding the escalated incident.
	inc, err = m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP1, "NO_NEGATIVE_STOCK", 12)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentEscalated, inc.Status)
	assert.Len(t, store.incidents, 1)
	assert.Len(t, notifier.alerts, 2)
}

func TestStaleViolationEscalatesOnRecurrence(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(store)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	_, err := m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP2, "STOCK_MOVEMENTS_BALANCE", 1)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(20 * time.Minute) }
	inc, err := m.CreateOrUpdateFromInvariant(context.Background(), types.PriorityP2, "STOCK_MOVEMENTS_BALANCE", 1)
	require.NoError(t, err)

	assert.Equal(t, types.IncidentEscalated, inc.Status)
	assert.Equal(t, 1, inc.AutoHealAttempts)
}

func TestHealAttemptsEscalateAtCap(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(store)

	inc, err := m.Create(context.Background(), types.PriorityP2, "payment mismatch", "PAYMENT_SUM_MATCHES_SALE_TOTAL", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		inc, err = m.RecordHealAttempt(context.Background(), inc.ID)
		require.NoError(t, err)
		assert.Equal(t, types.IncidentAutoHealing, inc.Status)
	}

	inc, err = m.RecordHealAttempt(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentEscalated, inc.Status)
	assert.Equal(t, 3, inc.AutoHealAttempts)
	require.NotNil(t, inc.EscalatedAt)
}

func TestHealAttemptEscalatesOldIncident(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(store)

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	inc, err := m.Create(context.Background(), types.PriorityP2, "drift below threshold", "", nil)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(16 * time.Minute) }
	inc, err = m.RecordHealAttempt(context.Background(), inc.ID)
	require.NoError(t, err)

	assert.Equal(t, types.IncidentEscalated, inc.Status)
	assert.Equal(t, 1, inc.AutoHealAttempts)
}

func TestEscalateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	m, notifier := newTestManager(store)

	inc, err := m.Create(context.Background(), types.PriorityP1, "audit tamper", "", nil)
	require.NoError(t, err)

	first, err := m.Escalate(context.Background(), inc.ID)
	require.NoError(t, err)
	require.NotNil(t, first.EscalatedAt)

	again, err := m.Escalate(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, first.EscalatedAt.Unix(), again.EscalatedAt.Unix())
	// One creation alert plus exactly one escalation alert.
	assert.Len(t, notifier.alerts, 2)
}

func TestResolvedIncidentsStayResolved(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(store)

	inc, err := m.Create(context.Background(), types.PriorityP3, "slow queries", "", nil)
	require.NoError(t, err)

	resolved, err := m.AutoResolve(context.Background(), inc.ID, "violations cleared")
	require.NoError(t, err)
	assert.Equal(t, types.IncidentResolved, resolved.Status)
	assert.True(t, resolved.AutoHealed)

	after, err := m.RecordHealAttempt(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentResolved, after.Status)
	assert.Equal(t, 0, after.AutoHealAttempts)

	after, err = m.Escalate(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentResolved, after.Status)
}

func TestOpenP1Count(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(store)

	_, err := m.Create(context.Background(), types.PriorityP1, "a", "", nil)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), types.PriorityP2, "b", "", nil)
	require.NoError(t, err)

	n, err := m.OpenP1Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type recordingPublisher struct {
	published []events.Event
}

func (r *recordingPublisher) Publish(ev *events.Event) {
	r.published = append(r.published, *ev)
}

func TestLifecycleMirroredToEventStream(t *testing.T) {
	store := newFakeStore()
	m, _ := newTestManager(store)
	pub := &recordingPublisher{}
	m.SetEventPublisher(pub)

	inc, err := m.Create(context.Background(), types.PriorityP2, "Void spike at shop s1", "", nil)
	require.NoError(t, err)
	_, err = m.Escalate(context.Background(), inc.ID)
	require.NoError(t, err)
	_, err = m.Resolve(context.Background(), inc.ID, "ops", "false positive")
	require.NoError(t, err)

	require.Len(t, pub.published, 3)
	assert.Equal(t, events.EventIncidentCreated, pub.published[0].Type)
	assert.Equal(t, events.EventIncidentEscalated, pub.published[1].Type)
	assert.Equal(t, events.EventIncidentResolved, pub.published[2].Type)
	assert.Equal(t, inc.ID, pub.published[0].Metadata["incidentId"])
}
