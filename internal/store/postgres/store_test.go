package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artifish/skygraph/internal/graph"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithDB(mock)
	require.NoError(t, err)
	return store, mock
}

func TestActiveFollowingReturnsStoredSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT following_did FROM edges").
		WithArgs("did:plc:a").
		WillReturnRows(pgxmock.NewRows([]string{"following_did"}).
			AddRow("did:plc:b").
			AddRow("did:plc:c"))

	dids, err := store.ActiveFollowing(context.Background(), "did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:b", "did:plc:c"}, dids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistCrawlAppliesBatchInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	batch := graph.CrawlBatch{
		Account: graph.Account{DID: "did:plc:a", Handle: "a.bsky.social", DisplayName: "A"},
		Following: []graph.Account{
			{DID: "did:plc:b", Handle: "b.bsky.social"},
			{DID: "did:plc:c", Handle: "c.bsky.social"},
		},
		Diff: graph.Diff{
			ToInsert:   []string{"did:plc:c"},
			ToKeep:     []string{"did:plc:b"},
			ToUnfollow: []string{"did:plc:d"},
		},
		FollowerSample: []graph.Account{{DID: "did:plc:e", Handle: "e.bsky.social"}},
		Now:            now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:a", "a.bsky.social", "A", "", "", 0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT did FROM accounts").
		WithArgs([]string{"did:plc:b", "did:plc:c", "did:plc:e"}).
		WillReturnRows(pgxmock.NewRows([]string{"did"}).AddRow("did:plc:b"))
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:b", "b.bsky.social", "", "", "", 0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:c", "c.bsky.social", "", "", "", 0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:e", "e.bsky.social", "", "", "", 0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO edges").
		WithArgs("did:plc:a", "did:plc:c", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO edge_events").
		WithArgs("did:plc:a", []string{"did:plc:c"}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE edges SET last_verified_at").
		WithArgs("did:plc:a", []string{"did:plc:b"}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE edges SET follow_status = 'unfollowed'").
		WithArgs("did:plc:a", []string{"did:plc:d"}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO edge_events").
		WithArgs("did:plc:a", []string{"did:plc:d"}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO edges").
		WithArgs("did:plc:e", "did:plc:a", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	discovered, err := store.PersistCrawl(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:c", "did:plc:e"}, discovered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistCrawlRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:a", "a.bsky.social", "", "", "", 0, now).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.PersistCrawl(context.Background(), graph.CrawlBatch{
		Account: graph.Account{DID: "did:plc:a", Handle: "a.bsky.social"},
		Now:     now,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert account")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistCrawlEmptyDiffTouchesNothing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	// Re-crawl with an unchanged remote set: only the profile upsert, the
	// known-accounts check, endpoint upserts, and the kept-edge timestamp
	// bump run; no insert, no unfollow, no events.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:a", "a.bsky.social", "", "", "", 0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT did FROM accounts").
		WithArgs([]string{"did:plc:b"}).
		WillReturnRows(pgxmock.NewRows([]string{"did"}).AddRow("did:plc:b"))
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("did:plc:b", "b.bsky.social", "", "", "", 0, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE edges SET last_verified_at").
		WithArgs("did:plc:a", []string{"did:plc:b"}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	discovered, err := store.PersistCrawl(context.Background(), graph.CrawlBatch{
		Account:   graph.Account{DID: "did:plc:a", Handle: "a.bsky.social"},
		Following: []graph.Account{{DID: "did:plc:b", Handle: "b.bsky.social"}},
		Diff:      graph.Diff{ToKeep: []string{"did:plc:b"}},
		Now:       now,
	})
	require.NoError(t, err)
	assert.Empty(t, discovered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSeedNeverLowersPriority(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("GREATEST").
		WithArgs("did:plc:a", "a.bsky.social", "A", "bio", "https://cdn/avatar.jpg", 100).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertSeed(context.Background(), graph.Account{
		DID:           "did:plc:a",
		Handle:        "a.bsky.social",
		DisplayName:   "A",
		Bio:           "bio",
		AvatarURL:     "https://cdn/avatar.jpg",
		CrawlPriority: 100,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
