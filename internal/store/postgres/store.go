// Package postgres provides the Postgres-backed persistence for accounts,
// edges, and the frontier queue.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/artifish/skygraph/internal/graph"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the store uses, small enough for pgxmock
// to stand in during tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists accounts, edges, and frontier state. It implements both
// graph.Store and graph.Frontier over one shared pool.
type Store struct {
	db DB
}

var (
	_ graph.Store    = (*Store)(nil)
	_ graph.Frontier = (*Store)(nil)
)

// New connects a pool and wraps it in a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB constructs a Store from an existing pool (primarily for testing).
func NewWithDB(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// ActiveFollowing returns the DIDs the account currently follows according to
// stored state.
func (s *Store) ActiveFollowing(ctx context.Context, did string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT following_did FROM edges
WHERE follower_did = $1 AND follow_status = 'active'
ORDER BY following_did`, did)
	if err != nil {
		return nil, fmt.Errorf("query active following: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan following did: %w", err)
		}
		dids = append(dids, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active following: %w", err)
	}
	return dids, nil
}

// PersistCrawl applies one crawl batch in a single transaction: profile
// upsert, endpoint upserts, edge diff, audit events, and the follower sample.
// It returns the DIDs that were unknown before this batch.
func (s *Store) PersistCrawl(ctx context.Context, batch graph.CrawlBatch) ([]string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin persist tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := upsertAccount(ctx, tx, batch.Account, batch.Now); err != nil {
		return nil, err
	}

	endpoints := dedupeEndpoints(batch)
	discovered, err := missingDIDs(ctx, tx, endpoints)
	if err != nil {
		return nil, err
	}
	for _, acct := range endpoints {
		if err := upsertAccount(ctx, tx, acct, batch.Now); err != nil {
			return nil, err
		}
	}

	if err := applyDiff(ctx, tx, batch.Account.DID, batch.Diff, batch.Now); err != nil {
		return nil, err
	}
	if err := applyFollowerSample(ctx, tx, batch.Account.DID, batch.FollowerSample, batch.Now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit persist tx: %w", err)
	}
	return discovered, nil
}

func upsertAccount(ctx context.Context, tx pgx.Tx, acct graph.Account, now time.Time) error {
	_, err := tx.Exec(ctx, `
INSERT INTO accounts (did, handle, display_name, bio, avatar_url, crawl_priority, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (did) DO UPDATE SET
	handle = EXCLUDED.handle,
	display_name = EXCLUDED.display_name,
	bio = EXCLUDED.bio,
	avatar_url = EXCLUDED.avatar_url,
	updated_at = EXCLUDED.updated_at`,
		acct.DID, acct.Handle, acct.DisplayName, acct.Bio, acct.AvatarURL, acct.CrawlPriority, now)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", acct.DID, err)
	}
	return nil
}

// missingDIDs returns which endpoint DIDs have no account row yet, preserving
// first-encounter order.
func missingDIDs(ctx context.Context, tx pgx.Tx, endpoints []graph.Account) ([]string, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}
	dids := make([]string, 0, len(endpoints))
	for _, a := range endpoints {
		dids = append(dids, a.DID)
	}

	rows, err := tx.Query(ctx, `SELECT did FROM accounts WHERE did = ANY($1)`, dids)
	if err != nil {
		return nil, fmt.Errorf("query known accounts: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{}, len(dids))
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan known did: %w", err)
		}
		known[d] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known accounts: %w", err)
	}

	var missing []string
	for _, d := range dids {
		if _, ok := known[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func applyDiff(ctx context.Context, tx pgx.Tx, followerDID string, d graph.Diff, now time.Time) error {
	for _, followingDID := range d.ToInsert {
		// A re-follow reuses the row: status back to active, created_at reset
		// to this observation, unfollowed_at cleared. The prior incarnation's
		// history survives in edge_events.
		if _, err := tx.Exec(ctx, `
INSERT INTO edges (follower_did, following_did, created_at, last_verified_at, follow_status)
VALUES ($1, $2, $3, $3, 'active')
ON CONFLICT (follower_did, following_did) DO UPDATE SET
	follow_status = 'active',
	created_at = EXCLUDED.created_at,
	last_verified_at = EXCLUDED.last_verified_at,
	unfollowed_at = NULL
WHERE edges.follow_status = 'unfollowed'`,
			followerDID, followingDID, now); err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", followerDID, followingDID, err)
		}
	}
	if len(d.ToInsert) > 0 {
		if _, err := tx.Exec(ctx, `
INSERT INTO edge_events (follower_did, following_did, event, observed_at)
SELECT $1, unnest($2::text[]), 'followed', $3`,
			followerDID, d.ToInsert, now); err != nil {
			return fmt.Errorf("record follow events for %s: %w", followerDID, err)
		}
	}

	if len(d.ToKeep) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE edges SET last_verified_at = $3
WHERE follower_did = $1 AND following_did = ANY($2) AND follow_status = 'active'`,
			followerDID, d.ToKeep, now); err != nil {
			return fmt.Errorf("touch kept edges for %s: %w", followerDID, err)
		}
	}

	if len(d.ToUnfollow) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE edges SET follow_status = 'unfollowed', unfollowed_at = $3
WHERE follower_did = $1 AND following_did = ANY($2) AND follow_status = 'active'`,
			followerDID, d.ToUnfollow, now); err != nil {
			return fmt.Errorf("mark unfollowed edges for %s: %w", followerDID, err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO edge_events (follower_did, following_did, event, observed_at)
SELECT $1, unnest($2::text[]), 'unfollowed', $3`,
			followerDID, d.ToUnfollow, now); err != nil {
			return fmt.Errorf("record unfollow events for %s: %w", followerDID, err)
		}
	}
	return nil
}

// applyFollowerSample records sampled follower->account edges. Sampling never
// exhausts pagination, so it only creates or re-verifies active edges and
// never flips status in either direction.
func applyFollowerSample(ctx context.Context, tx pgx.Tx, accountDID string, sample []graph.Account, now time.Time) error {
	for _, follower := range sample {
		if follower.DID == accountDID {
			continue
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO edges (follower_did, following_did, created_at, last_verified_at, follow_status)
VALUES ($1, $2, $3, $3, 'active')
ON CONFLICT (follower_did, following_did) DO UPDATE SET
	last_verified_at = EXCLUDED.last_verified_at
WHERE edges.follow_status = 'active'`,
			follower.DID, accountDID, now); err != nil {
			return fmt.Errorf("upsert sampled edge %s -> %s: %w", follower.DID, accountDID, err)
		}
	}
	return nil
}

// UpsertSeed writes a seed account, raising its priority to at least the
// given value without ever lowering an existing one.
func (s *Store) UpsertSeed(ctx context.Context, acct graph.Account) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO accounts (did, handle, display_name, bio, avatar_url, crawl_priority, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (did) DO UPDATE SET
	handle = EXCLUDED.handle,
	display_name = EXCLUDED.display_name,
	bio = EXCLUDED.bio,
	avatar_url = EXCLUDED.avatar_url,
	crawl_priority = GREATEST(accounts.crawl_priority, EXCLUDED.crawl_priority),
	updated_at = now()`,
		acct.DID, acct.Handle, acct.DisplayName, acct.Bio, acct.AvatarURL, acct.CrawlPriority)
	if err != nil {
		return fmt.Errorf("upsert seed %s: %w", acct.DID, err)
	}
	return nil
}

func dedupeEndpoints(batch graph.CrawlBatch) []graph.Account {
	seen := map[string]struct{}{batch.Account.DID: {}}
	out := make([]graph.Account, 0, len(batch.Following)+len(batch.FollowerSample))
	for _, lists := range [][]graph.Account{batch.Following, batch.FollowerSample} {
		for _, acct := range lists {
			if _, ok := seen[acct.DID]; ok {
				continue
			}
			seen[acct.DID] = struct{}{}
			out = append(out, acct)
		}
	}
	return out
}
