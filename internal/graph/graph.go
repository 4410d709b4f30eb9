// Package graph defines the core types and interfaces for the follow-graph
// crawl engine: accounts, edges, frontier entries, and the contracts between
// the fetcher, the stores, and the crawl worker.
package graph

import (
	"context"
	"time"
)

// FollowStatus is the lifecycle state of a follow edge. Transitions are
// monotonic active -> unfollowed within one crawl; a re-follow reuses the row
// and resets it to active (see Store.PersistCrawl).
type FollowStatus string

const (
	// FollowActive marks an edge confirmed by the most recent full enumeration.
	FollowActive FollowStatus = "active"
	// FollowUnfollowed marks an edge that disappeared from a full enumeration.
	FollowUnfollowed FollowStatus = "unfollowed"
)

// EnqueueReason records why an account entered the frontier.
type EnqueueReason string

const (
	// ReasonSeed is an operator-provided starting account.
	ReasonSeed EnqueueReason = "seed"
	// ReasonDiscovered is an account first seen as an edge endpoint.
	ReasonDiscovered EnqueueReason = "discovered"
)

// Account is a profile as known to the crawler. DID is the stable identity;
// everything else is mutable display data refreshed on each successful fetch.
type Account struct {
	DID           string
	Handle        string
	DisplayName   string
	Bio           string
	AvatarURL     string
	LastCrawledAt *time.Time
	CrawlPriority int
}

// Edge is one follow relationship. The (FollowerDID, FollowingDID) pair is
// unique; CreatedAt is the first observation of the current incarnation and
// LastVerifiedAt the most recent crawl that re-confirmed it.
type Edge struct {
	FollowerDID    string
	FollowingDID   string
	CreatedAt      time.Time
	LastVerifiedAt time.Time
	Status         FollowStatus
	UnfollowedAt   *time.Time
}

// FrontierEntry is a reserved crawl task for one account.
type FrontierEntry struct {
	DID            string
	Priority       int
	Reason         EnqueueReason
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// Diff is the classification of a freshly enumerated follow set against the
// stored active set. The three slices are disjoint; ToInsert and ToKeep
// together cover exactly the fetched set.
type Diff struct {
	ToInsert   []string
	ToKeep     []string
	ToUnfollow []string
}

// Empty reports whether the diff would mutate no edge rows beyond
// last_verified_at bumps.
func (d Diff) Empty() bool {
	return len(d.ToInsert) == 0 && len(d.ToUnfollow) == 0
}

// FollowPage is one page of a paginated follows/followers enumeration.
// Cursor is opaque; an empty cursor terminates the sequence.
type FollowPage struct {
	Accounts []Account
	Cursor   string
}

// CrawlBatch carries everything persisted for one completed account crawl.
// The whole batch is committed as a single transaction so a crash can never
// leave a diff half-applied.
type CrawlBatch struct {
	// Account is the crawled account's refreshed profile.
	Account Account
	// Following is the full enumerated follow set, with profile data for
	// endpoint upserts.
	Following []Account
	// Diff classifies Following against the previously stored active set.
	Diff Diff
	// FollowerSample holds accounts seen while sampling follower pages.
	// Sampling is incomplete by construction, so these only create or
	// re-verify edges and never produce unfollow marks.
	FollowerSample []Account
	// Now is the observation timestamp stamped on every mutation.
	Now time.Time
}

// Fetcher retrieves profiles and paginated follow/follower sets from the
// remote graph API. Every call is paced by the rate limiter and returns a
// classified *Error on failure.
type Fetcher interface {
	// Profile resolves an actor (DID or handle) to a validated Account.
	Profile(ctx context.Context, actor string) (Account, error)
	// Follows returns one page of accounts the given DID follows.
	Follows(ctx context.Context, did, cursor string) (FollowPage, error)
	// Followers returns one page of accounts following the given DID.
	Followers(ctx context.Context, did, cursor string) (FollowPage, error)
}

// Store persists accounts and edges. Implementations must make PersistCrawl
// atomic and idempotent: re-applying an identical batch bumps timestamps only.
type Store interface {
	// ActiveFollowing returns the DIDs the account currently follows
	// according to stored state (follow_status = active).
	ActiveFollowing(ctx context.Context, did string) ([]string, error)
	// PersistCrawl applies one crawl batch in a single transaction and
	// returns the DIDs that were unknown before this batch, in the order
	// first encountered.
	PersistCrawl(ctx context.Context, batch CrawlBatch) ([]string, error)
}

// Frontier is the durable, lease-based queue of accounts pending (re-)crawl.
// Lease expiry is the only crash-recovery mechanism: a worker that dies simply
// stops holding its leases.
type Frontier interface {
	// Enqueue upserts a pending entry. An existing unleased entry keeps the
	// higher of the two priorities; a leased entry is left untouched.
	Enqueue(ctx context.Context, did string, priority int, reason EnqueueReason) error
	// ReserveNext atomically leases the best eligible entry (highest
	// priority, then least recently crawled, never-crawled first) for the
	// given duration. ok is false when nothing is eligible.
	ReserveNext(ctx context.Context, owner string, lease time.Duration) (entry FrontierEntry, ok bool, err error)
	// Complete removes the entry and stamps the account's last_crawled_at.
	Complete(ctx context.Context, did string) error
	// Release clears the lease without completing, decaying the account's
	// crawl priority by penalty so persistently failing accounts back off.
	Release(ctx context.Context, did string, penalty int) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
