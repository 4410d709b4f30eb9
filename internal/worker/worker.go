// Package worker runs the crawl engine loop: reserve an account from the
// frontier, enumerate its follow graph, diff against stored state, and persist
// the result atomically.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/artifish/skygraph/internal/delta"
	"github.com/artifish/skygraph/internal/graph"
	"github.com/artifish/skygraph/internal/telemetry"
)

// Task outcomes reported per finished reservation.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Config tunes one worker's loop.
type Config struct {
	// Owner identifies this worker's leases.
	Owner string
	// Lease is how long a reservation stays exclusive before crash recovery
	// makes it reservable again.
	Lease time.Duration
	// DiscoveredPriority is assigned to newly discovered accounts.
	DiscoveredPriority int
	// FailurePenalty is subtracted from an account's priority on release.
	FailurePenalty int
	// FollowerPages bounds the follower sampling per crawl; zero disables it.
	FollowerPages int
	// IdlePoll is the sleep between polls of an empty frontier.
	IdlePoll time.Duration
}

// Budget is a crawl-count limit shared across workers. A zero or negative max
// means unlimited.
type Budget struct {
	remaining atomic.Int64
	unlimited bool
}

// NewBudget returns a budget allowing max crawls in total.
func NewBudget(max int) *Budget {
	b := &Budget{unlimited: max <= 0}
	b.remaining.Store(int64(max))
	return b
}

// Take consumes one crawl from the budget, reporting false once exhausted.
func (b *Budget) Take() bool {
	if b.unlimited {
		return true
	}
	return b.remaining.Add(-1) >= 0
}

// Worker processes frontier reservations until the context is cancelled, the
// budget runs out, or the store fails.
type Worker struct {
	fetcher  graph.Fetcher
	store    graph.Store
	frontier graph.Frontier
	budget   *Budget
	cfg      Config
	log      *zap.Logger

	now func() time.Time
}

// New assembles a worker.
func New(fetcher graph.Fetcher, store graph.Store, frontier graph.Frontier, budget *Budget, cfg Config, log *zap.Logger) *Worker {
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	return &Worker{
		fetcher:  fetcher,
		store:    store,
		frontier: frontier,
		budget:   budget,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run is the crawl loop. Fetch failures are converted into task outcomes and
// never stop the loop; store and frontier failures are fatal since retrying
// against broken persistence only burns API budget.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, ok, err := w.frontier.ReserveNext(ctx, w.cfg.Owner, w.cfg.Lease)
		if err != nil {
			return err
		}
		if !ok {
			if err := sleepCtx(ctx, w.cfg.IdlePoll); err != nil {
				return err
			}
			continue
		}
		if !w.budget.Take() {
			// Hand the reservation back untouched so another run picks it up.
			if err := w.frontier.Release(ctx, entry.DID, 0); err != nil {
				return err
			}
			w.log.Info("crawl budget exhausted, stopping")
			return nil
		}

		outcome, err := w.process(ctx, entry)
		if err != nil {
			return err
		}
		telemetry.ObserveTask(outcome)
	}
}

// process crawls one reserved account. The returned error is reserved for
// store and frontier failures; everything else becomes an outcome.
func (w *Worker) process(ctx context.Context, entry graph.FrontierEntry) (string, error) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	log := w.log.With(zap.String("did", entry.DID), zap.Int("priority", entry.Priority))
	log.Debug("crawl started", zap.String("reason", string(entry.Reason)))

	profile, err := w.fetcher.Profile(ctx, entry.DID)
	if err != nil {
		return w.fetchFailed(ctx, log, entry, "fetch profile", err)
	}

	following, err := w.enumerateFollows(ctx, entry.DID)
	if err != nil {
		// A partial enumeration must never be diffed; release and let the
		// lease machinery retry the whole account.
		return w.fetchFailed(ctx, log, entry, "enumerate follows", err)
	}

	stored, err := w.store.ActiveFollowing(ctx, entry.DID)
	if err != nil {
		return "", err
	}

	fetched := make([]string, 0, len(following))
	for _, a := range following {
		fetched = append(fetched, a.DID)
	}
	diff := delta.Diff(fetched, stored)

	sample := w.sampleFollowers(ctx, log, entry.DID)

	discovered, err := w.store.PersistCrawl(ctx, graph.CrawlBatch{
		Account:        profile,
		Following:      following,
		Diff:           diff,
		FollowerSample: sample,
		Now:            w.now(),
	})
	if err != nil {
		return "", err
	}

	for _, did := range discovered {
		if err := w.frontier.Enqueue(ctx, did, w.cfg.DiscoveredPriority, graph.ReasonDiscovered); err != nil {
			return "", err
		}
	}
	if err := w.frontier.Complete(ctx, entry.DID); err != nil {
		return "", err
	}

	telemetry.ObserveEdgeChanges(len(diff.ToInsert), len(diff.ToKeep), len(diff.ToUnfollow))
	telemetry.ObserveDiscovered(len(discovered))
	log.Info("crawl completed",
		zap.Int("following", len(following)),
		zap.Int("new", len(diff.ToInsert)),
		zap.Int("maintained", len(diff.ToKeep)),
		zap.Int("unfollowed", len(diff.ToUnfollow)),
		zap.Int("discovered", len(discovered)),
		zap.Int("follower_sample", len(sample)))
	return outcomeCompleted, nil
}

// fetchFailed maps a fetch error onto frontier state: a vanished account is
// completed and skipped, everything else is released for retry with a
// priority penalty.
func (w *Worker) fetchFailed(ctx context.Context, log *zap.Logger, entry graph.FrontierEntry, op string, err error) (string, error) {
	if graph.KindOf(err) == graph.KindNotFound {
		log.Info("account gone, skipping", zap.String("op", op), zap.Error(err))
		if cerr := w.frontier.Complete(ctx, entry.DID); cerr != nil {
			return "", cerr
		}
		return outcomeSkipped, nil
	}

	log.Warn("crawl failed, releasing lease",
		zap.String("op", op),
		zap.String("kind", graph.KindOf(err).String()),
		zap.Error(err))
	if rerr := w.frontier.Release(ctx, entry.DID, w.cfg.FailurePenalty); rerr != nil {
		return "", rerr
	}
	return outcomeFailed, nil
}

// enumerateFollows walks the follows pagination to exhaustion. Any page
// failure invalidates the whole enumeration.
func (w *Worker) enumerateFollows(ctx context.Context, did string) ([]graph.Account, error) {
	var (
		out    []graph.Account
		cursor string
	)
	for {
		page, err := w.fetcher.Follows(ctx, did, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Accounts...)
		if page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// sampleFollowers fetches up to FollowerPages follower pages for discovery.
// The sample is incomplete by construction, so failures are logged and the
// pages collected so far are kept; they only ever add edges, never remove.
func (w *Worker) sampleFollowers(ctx context.Context, log *zap.Logger, did string) []graph.Account {
	if w.cfg.FollowerPages <= 0 {
		return nil
	}
	var (
		out    []graph.Account
		cursor string
	)
	for page := 0; page < w.cfg.FollowerPages; page++ {
		p, err := w.fetcher.Followers(ctx, did, cursor)
		if err != nil {
			log.Debug("follower sampling stopped early", zap.Int("pages", page), zap.Error(err))
			return out
		}
		out = append(out, p.Accounts...)
		if p.Cursor == "" {
			break
		}
		cursor = p.Cursor
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
