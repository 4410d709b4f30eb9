package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artifish/skygraph/internal/graph"
)

func TestEnqueueUpsertsPendingEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO frontier").
		WithArgs("did:plc:a", 50, "discovered").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Enqueue(context.Background(), "did:plc:a", 50, graph.ReasonDiscovered)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNextLeasesEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	expires := time.Now().Add(5 * time.Minute).UTC()

	mock.ExpectQuery("UPDATE frontier SET lease_owner").
		WithArgs("worker-1", float64(300)).
		WillReturnRows(pgxmock.NewRows(
			[]string{"did", "priority", "reason", "lease_owner", "lease_expires_at"}).
			AddRow("did:plc:a", 100, "seed", "worker-1", expires))

	entry, ok, err := store.ReserveNext(context.Background(), "worker-1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "did:plc:a", entry.DID)
	assert.Equal(t, 100, entry.Priority)
	assert.Equal(t, graph.ReasonSeed, entry.Reason)
	assert.Equal(t, "worker-1", entry.LeaseOwner)
	assert.Equal(t, expires, entry.LeaseExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveNextEmptyFrontier(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE frontier SET lease_owner").
		WithArgs("worker-1", float64(300)).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.ReserveNext(context.Background(), "worker-1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRemovesEntryAndStampsAccount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM frontier").
		WithArgs("did:plc:a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE accounts SET last_crawled_at").
		WithArgs("did:plc:a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.Complete(context.Background(), "did:plc:a")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseClearsLeaseAndDecaysPriority(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE frontier SET lease_owner = NULL").
		WithArgs("did:plc:a", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE accounts SET crawl_priority").
		WithArgs("did:plc:a", 10).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.Release(context.Background(), "did:plc:a", 10)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
