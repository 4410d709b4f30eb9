// Package frontier provides an in-memory frontier queue with the same lease
// semantics as the Postgres-backed one. It is used for local single-process
// runs and as a test double for the crawl engine.
package frontier

import (
	"context"
	"sync"
	"time"

	"github.com/artifish/skygraph/internal/graph"
)

type entry struct {
	did            string
	priority       int
	reason         graph.EnqueueReason
	leaseOwner     string
	leaseExpiresAt time.Time
	lastCrawledAt  time.Time
	enqueuedAt     time.Time
}

// Memory is a process-local graph.Frontier. Leases are exclusive while
// unexpired; an expired lease makes the entry reservable again, which is the
// crash-recovery path.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	crawled map[string]time.Time
	now     func() time.Time
}

var _ graph.Frontier = (*Memory)(nil)

// NewMemory returns an empty in-memory frontier.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		crawled: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Enqueue adds a pending entry, or raises an existing unleased entry to the
// higher of the two priorities. Leased entries are left untouched.
func (m *Memory) Enqueue(_ context.Context, did string, priority int, reason graph.EnqueueReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[did]
	if !ok {
		m.entries[did] = &entry{
			did:           did,
			priority:      priority,
			reason:        reason,
			lastCrawledAt: m.crawled[did],
			enqueuedAt:    now,
		}
		return nil
	}
	if m.leased(e, now) {
		return nil
	}
	if priority > e.priority {
		e.priority = priority
	}
	return nil
}

// ReserveNext leases the highest-priority reservable entry, breaking ties by
// least recently crawled with never-crawled entries first.
func (m *Memory) ReserveNext(_ context.Context, owner string, lease time.Duration) (graph.FrontierEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *entry
	for _, e := range m.entries {
		if m.leased(e, now) {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		return graph.FrontierEntry{}, false, nil
	}

	best.leaseOwner = owner
	best.leaseExpiresAt = now.Add(lease)
	return graph.FrontierEntry{
		DID:            best.did,
		Priority:       best.priority,
		Reason:         best.reason,
		LeaseOwner:     best.leaseOwner,
		LeaseExpiresAt: best.leaseExpiresAt,
	}, true, nil
}

// Complete removes the entry and records the crawl time for tie-breaks when
// the DID is re-enqueued later.
func (m *Memory) Complete(_ context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, did)
	m.crawled[did] = m.now()
	return nil
}

// Release clears the lease and decays the entry's priority by penalty,
// flooring at zero.
func (m *Memory) Release(_ context.Context, did string, penalty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[did]
	if !ok {
		return nil
	}
	e.leaseOwner = ""
	e.leaseExpiresAt = time.Time{}
	e.priority -= penalty
	if e.priority < 0 {
		e.priority = 0
	}
	return nil
}

// Len reports the number of entries currently in the frontier, leased or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) leased(e *entry, now time.Time) bool {
	return e.leaseOwner != "" && now.Before(e.leaseExpiresAt)
}

func better(a, b *entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.lastCrawledAt.Equal(b.lastCrawledAt) {
		return a.lastCrawledAt.Before(b.lastCrawledAt)
	}
	return a.enqueuedAt.Before(b.enqueuedAt)
}
