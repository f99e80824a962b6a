package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/opscore/pkg/types"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestAuditRowHashFormat(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 500*int(time.Millisecond), time.UTC)
	entry := &types.AuditChainEntry{
		ID:         "e1",
		Action:     "CREATE",
		EntityType: "sale",
		EntityID:   "s1",
		PrevHash:   types.GenesisHash,
		CreatedAt:  created,
	}

	h := sha256.New()
	h.Write([]byte("GENESIS"))
	h.Write([]byte("e1"))
	h.Write([]byte("CREATE"))
	h.Write([]byte("sale"))
	h.Write([]byte("s1"))
	h.Write([]byte("2026-03-01T12:00:00.500Z"))
	want := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, AuditRowHash(entry))
}

func TestAppendAuditEntryChainsFromHead(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT row_hash FROM audit_chain`).
		WillReturnRows(sqlmock.NewRows([]string{"row_hash"}).AddRow("abc123"))
	mock.ExpectExec(`INSERT INTO audit_chain`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := store.AppendAuditEntry(context.Background(), "UPDATE", "stock", "st1")
	require.NoError(t, err)

	assert.Equal(t, "abc123", entry.PrevHash)
	assert.Equal(t, AuditRowHash(entry), entry.RowHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAuditEntryGenesis(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT row_hash FROM audit_chain`).
		WillReturnRows(sqlmock.NewRows([]string{"row_hash"}))
	mock.ExpectExec(`INSERT INTO audit_chain`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := store.AppendAuditEntry(context.Background(), "CREATE", "sale", "s1")
	require.NoError(t, err)
	assert.Equal(t, types.GenesisHash, entry.PrevHash)
}

func TestIsBlocked(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ip:10.0.0.9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	blocked, err := store.IsBlocked(context.Background(), "ip:10.0.0.9")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestLatestDriftScoreDefaultsClean(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT score FROM drift_scores`).
		WillReturnRows(sqlmock.NewRows([]string{"score"}))

	score, err := store.LatestDriftScore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, score)
}

func TestTryInsertIdempotencyKeyLosesRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.TryInsertIdempotencyKey(context.Background(), "K1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
}
