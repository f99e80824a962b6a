package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/storage"
	"github.com/dukapos/opscore/pkg/types"
)

type fakeScannerStore struct {
	largeTransactions []storage.LargeTransaction
	rapidFire         []storage.RapidFireSeller
	voidSpikes        []storage.VoidSpikeShop

	events []types.SecurityEvent
	blocks map[string]time.Time
}

func newFakeScannerStore() *fakeScannerStore {
	return &fakeScannerStore{blocks: map[string]time.Time{}}
}

func (f *fakeScannerStore) InsertSecurityEvent(_ context.Context, ev *types.SecurityEvent) error {
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeScannerStore) UpsertSecurityBlock(_ context.Context, target string, _ types.BlockTargetType, _ string, expiresAt time.Time) error {
	f.blocks[target] = expiresAt
	return nil
}

func (f *fakeScannerStore) LargeTransactionsSince(_ context.Context, _ time.Time, _ int64) ([]storage.LargeTransaction, error) {
	return f.largeTransactions, nil
}

func (f *fakeScannerStore) RapidFireSellers(_ context.Context, _ time.Time, _ int) ([]storage.RapidFireSeller, error) {
	return f.rapidFire, nil
}

func (f *fakeScannerStore) VoidSpikeShops(_ context.Context, _ time.Time) ([]storage.VoidSpikeShop, error) {
	return f.voidSpikes, nil
}

type fakeOpener struct {
	incidents []types.Incident
}

func (f *fakeOpener) Create(_ context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error) {
	inc := types.Incident{ID: "inc", Priority: priority, Title: title, Invariant: invariant, Details: details}
	f.incidents = append(f.incidents, inc)
	return &inc, nil
}

func TestScanLargeTransactions(t *testing.T) {
	store := newFakeScannerStore()
	store.largeTransactions = []storage.LargeTransaction{
		{SaleID: "s1", ShopID: "shop1", UserID: "u1", Total: 2_500_000},
	}
	opener := &fakeOpener{}
	scanner := NewScanner(store, opener, metrics.NewRegistry(), 1_000_000)

	require.NoError(t, scanner.Scan(context.Background()))

	require.Len(t, store.events, 1)
	assert.Equal(t, "LARGE_TRANSACTION", store.events[0].EventType)
	assert.Equal(t, types.SeverityMedium, store.events[0].Severity)
	assert.False(t, store.events[0].AutoBlocked)
	assert.Empty(t, opener.incidents)
}

func TestScanRapidFireAutoBlocks(t *testing.T) {
	store := newFakeScannerStore()
	store.rapidFire = []storage.RapidFireSeller{{UserID: "u9", Count: 31}}
	scanner := NewScanner(store, &fakeOpener{}, metrics.NewRegistry(), 1_000_000)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	scanner.now = func() time.Time { return base }

	require.NoError(t, scanner.Scan(context.Background()))

	require.Len(t, store.events, 1)
	assert.Equal(t, "RAPID_FIRE_SALES", store.events[0].EventType)
	assert.Equal(t, types.SeverityHigh, store.events[0].Severity)
	assert.True(t, store.events[0].AutoBlocked)
	assert.Equal(t, base.Add(time.Hour), store.blocks["user:u9"])
}

func TestScanVoidSpikeOpensIncident(t *testing.T) {
	store := newFakeScannerStore()
	store.voidSpikes = []storage.VoidSpikeShop{
		{ShopID: "shop7", Confirmed: 20, Voided: 4, Fraction: 0.2},
	}
	opener := &fakeOpener{}
	scanner := NewScanner(store, opener, metrics.NewRegistry(), 1_000_000)

	require.NoError(t, scanner.Scan(context.Background()))

	require.Len(t, store.events, 1)
	assert.Equal(t, "VOID_SPIKE", store.events[0].EventType)
	require.Len(t, opener.incidents, 1)
	assert.Equal(t, types.PriorityP2, opener.incidents[0].Priority)
}

type fakeChainStore struct {
	entries []types.AuditChainEntry
}

func (f *fakeChainStore) ListAuditEntries(context.Context, int) ([]types.AuditChainEntry, error) {
	return f.entries, nil
}

func chainOf(n int) []types.AuditChainEntry {
	entries := make([]types.AuditChainEntry, n)
	prev := types.GenesisHash
	for i := range entries {
		entries[i] = types.AuditChainEntry{
			ID:       string(rune('a' + i)),
			PrevHash: prev,
			RowHash:  "hash-" + string(rune('a'+i)),
		}
		prev = entries[i].RowHash
	}
	return entries
}

func TestVerifyIntactChain(t *testing.T) {
	v := NewVerifier(&fakeChainStore{entries: chainOf(5)}, &fakeOpener{})

	result, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Checked)
	assert.Empty(t, result.BrokenAt)
}

func TestVerifyEmptyChainIsValid(t *testing.T) {
	v := NewVerifier(&fakeChainStore{}, &fakeOpener{})
	result, err := v.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.Checked)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	entries := chainOf(5)
	entries[3].PrevHash = "forged"
	opener := &fakeOpener{}
	v := NewVerifier(&fakeChainStore{entries: entries}, opener)

	result, err := v.Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, entries[3].ID, result.BrokenAt)
	assert.Equal(t, 4, result.Checked)

	require.Len(t, opener.incidents, 1)
	assert.Equal(t, types.PriorityP1, opener.incidents[0].Priority)
	assert.Equal(t, "AUDIT_LOG_TAMPER_DETECTED", opener.incidents[0].Title)
	assert.Equal(t, entries[3].ID, opener.incidents[0].Details["brokenAt"])
}
