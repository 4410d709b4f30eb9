package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/artifish/skygraph/internal/graph"
)

// Enqueue upserts a pending frontier entry. An existing unleased entry keeps
// the higher priority; a leased entry is left untouched since in-flight work
// already covers it.
func (s *Store) Enqueue(ctx context.Context, did string, priority int, reason graph.EnqueueReason) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO frontier (did, priority, reason, enqueued_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (did) DO UPDATE SET
	priority = GREATEST(frontier.priority, EXCLUDED.priority)
WHERE frontier.lease_expires_at IS NULL OR frontier.lease_expires_at < now()`,
		did, priority, string(reason))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", did, err)
	}
	return nil
}

// ReserveNext leases the best eligible entry: highest priority first, ties
// broken by least recently crawled with never-crawled accounts sorting first.
// SKIP LOCKED makes concurrent reservations from multiple workers safe; an
// expired lease is eligible again with no explicit recovery step.
func (s *Store) ReserveNext(ctx context.Context, owner string, lease time.Duration) (graph.FrontierEntry, bool, error) {
	var (
		entry  graph.FrontierEntry
		reason string
	)
	err := s.db.QueryRow(ctx, `
UPDATE frontier SET lease_owner = $1, lease_expires_at = now() + ($2 * interval '1 second')
WHERE did = (
	SELECT f.did FROM frontier f
	LEFT JOIN accounts a ON a.did = f.did
	WHERE f.lease_expires_at IS NULL OR f.lease_expires_at < now()
	ORDER BY f.priority DESC, a.last_crawled_at ASC NULLS FIRST
	LIMIT 1
	FOR UPDATE OF f SKIP LOCKED
)
RETURNING did, priority, reason, lease_owner, lease_expires_at`,
		owner, lease.Seconds()).
		Scan(&entry.DID, &entry.Priority, &reason, &entry.LeaseOwner, &entry.LeaseExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.FrontierEntry{}, false, nil
	}
	if err != nil {
		return graph.FrontierEntry{}, false, fmt.Errorf("reserve next: %w", err)
	}
	entry.Reason = graph.EnqueueReason(reason)
	return entry, true, nil
}

// Complete removes the frontier entry and stamps the account's
// last_crawled_at, making it eligible for future re-enqueue.
func (s *Store) Complete(ctx context.Context, did string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM frontier WHERE did = $1`, did); err != nil {
		return fmt.Errorf("delete frontier entry %s: %w", did, err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE accounts SET last_crawled_at = now(), updated_at = now() WHERE did = $1`, did); err != nil {
		return fmt.Errorf("stamp last_crawled_at for %s: %w", did, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	return nil
}

// PendingCount reports the total frontier size, leased entries included.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM frontier`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count frontier: %w", err)
	}
	return n, nil
}

// Release clears the lease without completing, so a future ReserveNext can
// retry immediately. The entry's priority decays by penalty so a persistently
// failing account cannot hot-loop ahead of healthy work.
func (s *Store) Release(ctx context.Context, did string, penalty int) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
UPDATE frontier SET lease_owner = NULL, lease_expires_at = NULL,
	priority = GREATEST(0, priority - $2)
WHERE did = $1`, did, penalty); err != nil {
		return fmt.Errorf("release frontier entry %s: %w", did, err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE accounts SET crawl_priority = GREATEST(0, crawl_priority - $2) WHERE did = $1`,
		did, penalty); err != nil {
		return fmt.Errorf("decay priority for %s: %w", did, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit release tx: %w", err)
	}
	return nil
}
